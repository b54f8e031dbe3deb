package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"driftmesh/go-core/internal/app"
	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var dataDir string

	root := &cobra.Command{
		Use:           "driftmesh-node",
		Short:         "Resilient multi-transport sync and collaboration node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "node data directory override")

	root.AddCommand(newRunCmd(&configPath, &dataDir))
	root.AddCommand(newIdentityCmd(&configPath, &dataDir))
	root.AddCommand(newStatusCmd(&configPath, &dataDir))
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig(configPath, dataDir string) (config.Config, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(privacylog.Wrap(slog.NewJSONHandler(os.Stdout, nil)))
}

func newRunCmd(configPath, dataDir *string) *cobra.Command {
	var password string
	var channelID string
	var channelSecret string

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, *dataDir)
			if err != nil {
				return err
			}
			log := newLogger()
			core, err := app.NewCore(cfg, log)
			if err != nil {
				return err
			}
			started := false
			defer func() {
				// A started core closes its store in Stop.
				if !started {
					_ = core.Close()
				}
			}()

			if password != "" {
				if core.HasStoredIdentity() {
					if _, err := core.Unlock(password); err != nil {
						return fmt.Errorf("unlock identity: %w", err)
					}
				} else {
					_, mnemonic, err := core.CreateIdentity(password)
					if err != nil {
						return fmt.Errorf("create identity: %w", err)
					}
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "new identity created; store this recovery mnemonic safely:\n%s\n", mnemonic)
				}
			}
			if channelID != "" {
				secret, err := hex.DecodeString(strings.TrimSpace(channelSecret))
				if err != nil || len(secret) != 32 {
					return fmt.Errorf("channel secret must be 64 hex characters")
				}
				core.JoinChannel(channelID, secret)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := core.Start(ctx); err != nil {
				return err
			}
			started = true
			log.Info("driftmesh-node running", "node_id", core.NodeID())
			<-ctx.Done()
			return core.Stop(context.Background())
		},
	}
	run.Flags().StringVar(&password, "password", "", "identity password (creates or unlocks the stored identity)")
	run.Flags().StringVar(&channelID, "channel", "", "channel id to join")
	run.Flags().StringVar(&channelSecret, "channel-secret", "", "hex-encoded 32-byte channel secret")
	return run
}

func newIdentityCmd(configPath, dataDir *string) *cobra.Command {
	identity := &cobra.Command{Use: "identity", Short: "Identity management"}

	var password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new seed-backed identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := openCore(*configPath, *dataDir)
			if err != nil {
				return err
			}
			defer core.Close()
			id, mnemonic, err := core.CreateIdentity(password)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"node_id":  id.ID,
				"mnemonic": mnemonic,
			})
		},
	}
	create.Flags().StringVar(&password, "password", "", "password protecting the seed")
	_ = create.MarkFlagRequired("password")

	var mnemonic string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Recover an identity from its mnemonic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := openCore(*configPath, *dataDir)
			if err != nil {
				return err
			}
			defer core.Close()
			id, err := core.ImportIdentity(mnemonic, password)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"node_id": id.ID})
		},
	}
	importCmd.Flags().StringVar(&mnemonic, "mnemonic", "", "bip39 recovery mnemonic")
	importCmd.Flags().StringVar(&password, "password", "", "password protecting the seed")
	_ = importCmd.MarkFlagRequired("mnemonic")
	_ = importCmd.MarkFlagRequired("password")

	export := &cobra.Command{
		Use:   "export",
		Short: "Export the recovery mnemonic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := openCore(*configPath, *dataDir)
			if err != nil {
				return err
			}
			defer core.Close()
			if _, err := core.Unlock(password); err != nil {
				return err
			}
			out, err := core.ExportSeed(password)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"mnemonic": out})
		},
	}
	export.Flags().StringVar(&password, "password", "", "password protecting the seed")
	_ = export.MarkFlagRequired("password")

	identity.AddCommand(create, importCmd, export)
	return identity
}

func newStatusCmd(configPath, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Inspect the local node state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, *dataDir)
			if err != nil {
				return err
			}
			// Read-only open so status can run beside an active node;
			// a node that never ran has no state db at all.
			core, err := app.NewCore(cfg, newLogger(), app.WithReadOnlyStore())
			if errors.Is(err, os.ErrNotExist) {
				return printJSON(cmd, map[string]any{
					"status":          "stopped",
					"stored_identity": false,
					"generated_at":    time.Now().UTC(),
				})
			}
			if err != nil {
				return err
			}
			defer core.Close()
			report := core.Status()
			return printJSON(cmd, map[string]any{
				"status":          report.Status,
				"stored_identity": core.HasStoredIdentity(),
				"generated_at":    report.GeneratedAt,
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "driftmesh-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		},
	}
}

func openCore(configPath, dataDir string) (*app.Core, error) {
	cfg, err := loadConfig(configPath, dataDir)
	if err != nil {
		return nil, err
	}
	return app.NewCore(cfg, newLogger())
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
