package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/caforge/caforge/api"
	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/config"
	"github.com/caforge/caforge/est"
	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/ocsp"
	"github.com/caforge/caforge/scep"
	"github.com/caforge/caforge/storage"
	bboltstorage "github.com/caforge/caforge/storage/bbolt"
	"github.com/caforge/caforge/storage/memory"
	"github.com/caforge/caforge/storage/postgres"
)

var (
	configPath string
	port       int
	dataDir    string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Flags override the file when given explicitly.
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.Server.DataDir = dataDir
		}
		if cmd.Flags().Changed("tls-cert") {
			cfg.Server.TLSCert = tlsCert
		}
		if cmd.Flags().Changed("tls-key") {
			cfg.Server.TLSKey = tlsKey
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		master, err := deriveMasterKey(cfg)
		if err != nil {
			return err
		}
		defer util.WipeBytes(master)

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		hostname, _ := os.Hostname()
		caOpts := []ca.Option{
			ca.WithLogger(logger),
			ca.WithCRLIdentity(hostname),
			ca.WithCRLValidity(cfg.CRL.ValidityDays),
		}
		if cfg.HSM.Enabled {
			backend, err := ca.NewRemoteHSMBackend(ca.HSMConfig{
				ModulePath: cfg.HSM.ModulePath,
				TokenLabel: cfg.HSM.TokenLabel,
				PIN:        os.Getenv(cfg.HSM.PINEnv),
				Timeout:    time.Duration(cfg.HSM.TimeoutSeconds) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("failed to connect to HSM: %w", err)
			}
			defer backend.Close()
			caOpts = append(caOpts, ca.WithRemoteBackend(backend))
		}
		authority := ca.NewEngine(store, ca.NewLocalKeyBackend(master), caOpts...)

		apiOpts := []api.Option{
			api.WithLogger(logger),
			api.WithAlertFunc(func(ev api.AlertEvent) {
				logger.Warn("anomaly detected",
					"type", string(ev.Type),
					"count", ev.Count,
					"threshold", ev.Threshold)
			}),
		}
		if cfg.OCSP.Enabled {
			apiOpts = append(apiOpts, api.WithOCSP(ocsp.NewResponder(store, authority.CASigner,
				ocsp.WithLogger(logger),
				ocsp.WithValidity(time.Duration(cfg.OCSP.ValidityHours)*time.Hour))))
		}
		if cfg.SCEP.Enabled {
			engine, err := scep.NewEngine(store, authority, scep.Config{
				CARef:             cfg.SCEP.CARef,
				ChallengePassword: cfg.SCEP.ChallengePassword,
				AutoApprove:       cfg.SCEP.AutoApprove,
				ValidityDays:      cfg.SCEP.ValidityDays,
				Capabilities:      cfg.SCEP.Capabilities,
			}, scep.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to configure SCEP: %w", err)
			}
			apiOpts = append(apiOpts, api.WithSCEP(engine))
		}
		if cfg.EST.Enabled {
			engine, err := est.NewEngine(store, authority, est.Config{
				CARef:            cfg.EST.CARef,
				ValidityDays:     cfg.EST.ValidityDays,
				BasicUser:        cfg.EST.BasicUser,
				BasicPassword:    os.Getenv(cfg.EST.BasicPasswordEnv),
				CSRAttributeOIDs: cfg.EST.CSRAttributeOIDs,
			}, est.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to configure EST: %w", err)
			}
			apiOpts = append(apiOpts, api.WithEST(engine))
		}

		a := api.New(store, authority, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", a.Handler())

		var tlsConfig *tls.Config
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				// EST clients authenticate with their certificate; the
				// handlers verify the chain, so the handshake only requests.
				ClientAuth: tls.RequestClientCert,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				ClientAuth:   tls.RequestClientCert,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", cfg.Server.Port, cfg.Server.DataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// deriveMasterKey turns the passphrase from the configured environment
// variable into the 32-byte key-wrapping key, using an Argon2id salt that
// lives next to the data and is created on first start.
func deriveMasterKey(cfg *config.Config) ([]byte, error) {
	passphrase := os.Getenv(cfg.Keys.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.Keys.PassphraseEnv)
	}

	saltPath := filepath.Join(cfg.Server.DataDir, "master.salt")
	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt, err = util.RandomBytes(16)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to persist key salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key salt: %w", err)
	}

	return util.DeriveArgon2idKey(passphrase, salt, util.DefaultArgon2idParams())
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return postgres.New(ctx, cfg.Storage.PostgresDSN)
	case "memory":
		return memory.New(), nil
	default:
		return bboltstorage.Open(filepath.Join(cfg.Server.DataDir, "caforge.db"))
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file")
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
