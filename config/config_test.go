package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caforge.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "bbolt", cfg.Storage.Backend)
	assert.Equal(t, "CAFORGE_PASSPHRASE", cfg.Keys.PassphraseEnv)
	assert.Equal(t, 7, cfg.CRL.ValidityDays)
	assert.True(t, cfg.OCSP.Enabled)
	assert.False(t, cfg.SCEP.Enabled)
	assert.False(t, cfg.EST.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9443
data_dir = "/var/lib/caforge"

[scep]
enabled = true
ca_ref = "device-ca"
challenge_password = "hunter2"
auto_approve = true

[est]
enabled = true
ca_ref = "device-ca"
basic_user = "est-client"
basic_password_env = "EST_PASSWORD"
csr_attribute_oids = ["2.5.4.3"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "/var/lib/caforge", cfg.Server.DataDir)
	// Untouched sections keep their defaults.
	assert.Equal(t, "bbolt", cfg.Storage.Backend)
	assert.Equal(t, 24, cfg.OCSP.ValidityHours)

	assert.True(t, cfg.SCEP.AutoApprove)
	assert.Equal(t, "device-ca", cfg.SCEP.CARef)
	assert.Equal(t, 365, cfg.SCEP.ValidityDays)
	assert.Equal(t, []string{"2.5.4.3"}, cfg.EST.CSRAttributeOIDs)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := writeConfig(t, "this is not toml = = =")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
		{"tls pair", func(c *config.Config) { c.Server.TLSCert = "/cert.pem" }, "tls_cert"},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "dynamo" }, "storage.backend"},
		{"postgres dsn", func(c *config.Config) { c.Storage.Backend = "postgres" }, "postgres_dsn"},
		{"scep ca ref", func(c *config.Config) { c.SCEP.Enabled = true }, "scep.ca_ref"},
		{"est ca ref", func(c *config.Config) { c.EST.Enabled = true }, "est.ca_ref"},
		{"est password env", func(c *config.Config) {
			c.EST.Enabled = true
			c.EST.CARef = "ca"
			c.EST.BasicUser = "u"
		}, "basic_password_env"},
		{"hsm module", func(c *config.Config) { c.HSM.Enabled = true }, "hsm.module_path"},
		{"crl validity", func(c *config.Config) { c.CRL.ValidityDays = 0 }, "crl.validity_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}
