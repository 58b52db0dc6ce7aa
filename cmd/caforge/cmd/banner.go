package cmd

import (
	"fmt"
)

const banner = `
   _____          ______
  / ____|   /\   |  ____|
 | |       /  \  | |__ ___  _ __ __ _  ___
 | |      / /\ \ |  __/ _ \| '__/ _` + "`" + ` |/ _ \
 | |____ / ____ \| | | (_) | | | (_| |  __/
  \_____/_/    \_\_|  \___/|_|  \__, |\___|
                                 __/ |
                                |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authority Engine - Version %s\x1b[0m\n\n", Version)
}
