// Package config loads and validates the server configuration from a TOML
// file. Secrets (the master passphrase, the HSM PIN) are never stored in
// the file itself; the file names the environment variables that carry
// them.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root of the TOML document.
type Config struct {
	Server  Server  `toml:"server"`
	Storage Storage `toml:"storage"`
	Keys    Keys    `toml:"keys"`
	CRL     CRL     `toml:"crl"`
	OCSP    OCSP    `toml:"ocsp"`
	SCEP    SCEP    `toml:"scep"`
	EST     EST     `toml:"est"`
	HSM     HSM     `toml:"hsm"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port    int    `toml:"port" comment:"Port to listen on"`
	DataDir string `toml:"data_dir" comment:"Directory for persistent data"`
	TLSCert string `toml:"tls_cert" comment:"Path to TLS certificate file (self-signed when empty)"`
	TLSKey  string `toml:"tls_key" comment:"Path to TLS key file"`
}

// Storage selects the persistence backend.
type Storage struct {
	Backend     string `toml:"backend" comment:"Storage backend: 'bbolt', 'postgres', or 'memory' (dev only)"`
	PostgresDSN string `toml:"postgres_dsn" comment:"Connection string when backend is 'postgres'"`
}

// Keys controls how the key-wrapping master key is derived. The passphrase
// comes from the named environment variable; the Argon2id salt lives in
// the data directory and is created on first start.
type Keys struct {
	PassphraseEnv string `toml:"passphrase_env" comment:"Environment variable holding the master passphrase"`
}

// CRL holds revocation list settings.
type CRL struct {
	ValidityDays int `toml:"validity_days" comment:"nextUpdate window for generated CRLs"`
}

// OCSP holds responder settings.
type OCSP struct {
	Enabled       bool `toml:"enabled" comment:"Serve RFC 6960 status queries"`
	ValidityHours int  `toml:"validity_hours" comment:"nextUpdate window for signed responses"`
}

// SCEP holds enrollment-over-SCEP settings.
type SCEP struct {
	Enabled           bool     `toml:"enabled" comment:"Serve RFC 8894 enrollment"`
	CARef             string   `toml:"ca_ref" comment:"CA that answers SCEP requests"`
	ChallengePassword string   `toml:"challenge_password" comment:"Challenge gating auto-approval (empty disables the check)"`
	AutoApprove       bool     `toml:"auto_approve" comment:"Issue immediately when the challenge matches"`
	ValidityDays      int      `toml:"validity_days" comment:"Validity of certificates issued via SCEP"`
	Capabilities      []string `toml:"capabilities" comment:"GetCACaps override; defaults when empty"`
}

// EST holds enrollment-over-EST settings.
type EST struct {
	Enabled          bool     `toml:"enabled" comment:"Serve RFC 7030 enrollment"`
	CARef            string   `toml:"ca_ref" comment:"CA that answers EST requests"`
	ValidityDays     int      `toml:"validity_days" comment:"Validity of certificates issued via EST"`
	BasicUser        string   `toml:"basic_user" comment:"HTTP basic username (empty disables basic auth)"`
	BasicPasswordEnv string   `toml:"basic_password_env" comment:"Environment variable holding the basic-auth password"`
	CSRAttributeOIDs []string `toml:"csr_attribute_oids" comment:"OIDs advertised by /csrattrs"`
}

// HSM holds the PKCS#11 connection for CAs whose keys live in a token.
type HSM struct {
	Enabled        bool   `toml:"enabled" comment:"Route remote-key CAs to a PKCS#11 token"`
	ModulePath     string `toml:"module_path" comment:"Path to the PKCS#11 shared library"`
	TokenLabel     string `toml:"token_label" comment:"Token label to select"`
	PINEnv         string `toml:"pin_env" comment:"Environment variable holding the token PIN"`
	TimeoutSeconds int    `toml:"timeout_seconds" comment:"Bound on each token operation (0 disables)"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:    8443,
			DataDir: "./data",
		},
		Storage: Storage{
			Backend: "bbolt",
		},
		Keys: Keys{
			PassphraseEnv: "CAFORGE_PASSPHRASE",
		},
		CRL: CRL{
			ValidityDays: 7,
		},
		OCSP: OCSP{
			Enabled:       true,
			ValidityHours: 24,
		},
		SCEP: SCEP{
			ValidityDays: 365,
		},
		EST: EST{
			ValidityDays: 365,
		},
		HSM: HSM{
			PINEnv:         "CAFORGE_HSM_PIN",
			TimeoutSeconds: 10,
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Disabled sections are not
// validated.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir cannot be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	switch c.Storage.Backend {
	case "bbolt", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn cannot be empty when backend is 'postgres'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'bbolt', 'postgres', or 'memory', got %q", c.Storage.Backend)
	}

	if c.Keys.PassphraseEnv == "" {
		return fmt.Errorf("keys.passphrase_env cannot be empty")
	}
	if c.CRL.ValidityDays <= 0 {
		return fmt.Errorf("crl.validity_days must be positive")
	}
	if c.OCSP.Enabled && c.OCSP.ValidityHours <= 0 {
		return fmt.Errorf("ocsp.validity_hours must be positive when enabled")
	}

	if c.SCEP.Enabled {
		if c.SCEP.CARef == "" {
			return fmt.Errorf("scep.ca_ref cannot be empty when enabled")
		}
		if c.SCEP.ValidityDays <= 0 {
			return fmt.Errorf("scep.validity_days must be positive")
		}
	}

	if c.EST.Enabled {
		if c.EST.CARef == "" {
			return fmt.Errorf("est.ca_ref cannot be empty when enabled")
		}
		if c.EST.ValidityDays <= 0 {
			return fmt.Errorf("est.validity_days must be positive")
		}
		if c.EST.BasicUser != "" && c.EST.BasicPasswordEnv == "" {
			return fmt.Errorf("est.basic_password_env cannot be empty when est.basic_user is set")
		}
	}

	if c.HSM.Enabled {
		if c.HSM.ModulePath == "" {
			return fmt.Errorf("hsm.module_path cannot be empty when enabled")
		}
		if c.HSM.TokenLabel == "" {
			return fmt.Errorf("hsm.token_label cannot be empty when enabled")
		}
	}
	return nil
}
