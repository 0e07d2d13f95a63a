// Command strand runs sBPF program images as threads over shared linear
// memory and keeps a local store of images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/fortiblox/strand/pkg/imagestore"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

type globalOptions struct {
	logLevel  string
	logFormat string
	store     imagestore.Config
}

func defaultStorePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "strand", "images.db")
	}
	return filepath.Join(os.TempDir(), "strand", "images.db")
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{store: imagestore.DefaultConfig(defaultStorePath())}

	cmd := &cobra.Command{
		Use:           "strand",
		Short:         "Run sBPF program images as threads over shared memory",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := log.SetLevel(opts.logLevel); err != nil {
				return err
			}
			return log.SetFormat(log.OutputFormat(opts.logFormat))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", string(log.TextFormat), "Log format: text, json")
	flags.StringVar(&opts.store.Backend, "store-backend", opts.store.Backend, "Image store backend: bolt, badger")
	flags.StringVar(&opts.store.Path, "store", opts.store.Path, "Image store path (bolt file or badger directory)")

	cmd.AddCommand(
		newImageCommand(opts),
		newRunCommand(opts),
	)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.G(ctx).WithError(err).Error("strand failed")
		os.Exit(1)
	}
}
