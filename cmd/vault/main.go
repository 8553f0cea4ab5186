// Package main implements the vault command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/logging"
	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/config"
	"github.com/WebFirstLanguage/beevault/pkg/control"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/vault"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vault",
		Short: "Run a vault of a self-organizing storage network",
		Long: `A vault admits clients and joining nodes, agrees on section membership
with its peers and splits or merges its section as the network changes.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		startCmd(),
		statusCmd(),
		keygenCmd(),
		resyncCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one was given, else the defaults
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var contacts []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(contacts) > 0 {
				cfg.Contacts = contacts
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&contacts, "contact", nil, "endpoint of an existing vault (repeatable)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logs, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Levels:      cfg.Log.Levels,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	logger := logs.Named(logging.Vault)
	defer logs.Sync()

	id, created, err := identity.LoadOrGenerate(cfg.IdentityFile)
	if err != nil {
		return err
	}
	if created {
		logger.Info("generated new identity", zap.String("file", cfg.IdentityFile))
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// A section may relocate the vault while it joins. It then starts over
	// under a name inside the target section.
	for {
		reloc, err := runVault(ctx, cfg, id, logs, m)
		if err != nil || reloc == nil {
			return err
		}
		id, err = identity.GenerateUnder(reloc.Target)
		if err != nil {
			return fmt.Errorf("failed to generate identity under %s: %w", reloc.Target.Display(), err)
		}
		if err := id.SaveToFile(cfg.IdentityFile); err != nil {
			return fmt.Errorf("failed to save relocated identity: %w", err)
		}
		cfg.Contacts = reloc.Contacts
		logger.Info("rejoining after relocation",
			zap.String("target", reloc.Target.Display()),
			zap.String("name", id.Name().Short()),
			zap.Strings("contacts", reloc.Contacts))
	}
}

// runVault runs one vault until ctx ends or its section relocates it
func runVault(ctx context.Context, cfg *config.Config, id *identity.Identity, logs *logging.Logging, m *metrics.Metrics) (*wire.Relocation, error) {
	logger := logs.Named(logging.Vault)
	v, err := vault.New(&vault.Config{
		Identity: id,
		Settings: cfg,
		Logging:  logs,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	defer v.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supCfg := vault.DefaultSupervisorConfig()
	supCfg.Logger = logs.Named("supervisor")
	sup := vault.NewSupervisorWithConfig(v, supCfg)
	if err := sup.Start(runCtx); err != nil {
		return nil, err
	}

	if cfg.ControlAddr != "" {
		listener, err := net.Listen("tcp", cfg.ControlAddr)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create control listener: %w", err), stopSupervisor(sup))
		}
		server := control.NewServer(v, logs.Named(logging.Control))
		go func() {
			if err := server.Serve(runCtx, listener); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("control API stopped", zap.Error(err))
			}
		}()
		logger.Info("control API listening", zap.String("addr", listener.Addr().String()))
	}

	var reloc *wire.Relocation
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case r := <-v.Relocated():
		reloc = &r
	}
	cancel()
	return reloc, stopSupervisor(sup)
}

func stopSupervisor(sup *vault.Supervisor) error {
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Stop(shutdown)
}

// controlCall sends one request to a running vault
func controlCall(method string, params map[string]interface{}) (map[string]interface{}, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", cfg.ControlAddr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("vault is not running at %s: %w", cfg.ControlAddr, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(control.Request{Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var response control.Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("%s: %s", method, response.Error)
	}
	result, ok := response.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response format")
	}
	return result, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := controlCall("GetInfo", nil)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Ask a running vault to resynchronize its section",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := controlCall("resync", nil); err != nil {
				return err
			}
			fmt.Println("Resync requested")
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new vault identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.IdentityFile); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to overwrite)", cfg.IdentityFile)
			}

			id, err := identity.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			if err := id.SaveToFile(cfg.IdentityFile); err != nil {
				return fmt.Errorf("failed to save identity: %w", err)
			}

			fmt.Printf("New identity saved to %s\n", cfg.IdentityFile)
			fmt.Printf("ID:   %s\n", id.ID())
			fmt.Printf("Name: %s\n", id.Name())
			fmt.Printf("Tag:  %s\n", id.Tag())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vault %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
			fmt.Printf("Commit: %s\n", commitHash)
		},
	}
}
