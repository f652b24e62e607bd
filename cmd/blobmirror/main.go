// blobmirror fronts a slow upstream object store with a fast local mirror:
// reads are cached locally on first access and deletes are honored through
// local tombstones without ever touching the upstream copy.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blobmirror/blobmirror/internal/config"
	"github.com/blobmirror/blobmirror/internal/overlay"
	"github.com/blobmirror/blobmirror/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blobmirror",
		Short: "Overlay cache for object storage",
		Long: `blobmirror presents a single logical object store backed by two physical
stores: a fast local store and a slower upstream store. Reads are served
locally when possible, writes land locally first, and deletes are honored
through local tombstones even though upstream copies are never removed.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "blobmirror.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warn, error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobmirror %s (commit %s, built %s, %s)\n", Version, Commit, BuildTime, runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newContainersCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newStatCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads the config file and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}

// openOverlay builds the overlay from config: a filesystem local store and
// the configured upstream.
func openOverlay(cmd *cobra.Command) (*overlay.Overlay, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var fsOpts []storage.FSOption
	if cfg.Local.Compress {
		fsOpts = append(fsOpts, storage.WithCompression())
	}
	local, err := storage.NewFSBackend(cfg.Local.Dir, fsOpts...)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	var upstream storage.Backend
	switch cfg.Upstream.Type {
	case "fs":
		upstream, err = storage.NewFSBackend(cfg.Upstream.Dir)
		if err != nil {
			return nil, fmt.Errorf("open upstream store: %w", err)
		}
	default:
		upstream, err = storage.NewS3Backend(cmd.Context(), cfg.Upstream.S3)
		if err != nil {
			return nil, fmt.Errorf("open upstream store: %w", err)
		}
	}

	return overlay.New(local, upstream, cfg.MaskSuffix,
		overlay.WithDeleteConcurrency(cfg.DeleteConcurrency),
	)
}
