package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "caforge",
	Short: "CAForge is a certificate authority management engine",
	Long: `A Certificate Authority engine managing X.509 issuance, revocation and
renewal, with CRL distribution, OCSP, SCEP and EST enrollment.
Complete documentation is available at https://github.com/caforge/caforge`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
