package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/fortiblox/strand/pkg/imagestore"
	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/syscall"
)

func newImageCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage stored program images",
	}
	cmd.AddCommand(
		newImageAddCommand(opts),
		newImageListCommand(opts),
	)
	return cmd
}

func newImageAddCommand(opts *globalOptions) *cobra.Command {
	var noCheck bool

	cmd := &cobra.Command{
		Use:   "add FILE [FILE...]",
		Short: "Validate program images and add them to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := imagestore.Open(opts.store)
			if err != nil {
				return err
			}
			defer store.Close()

			syscalls := syscall.NewRegistry()
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if !noCheck {
					img, err := image.Compile(raw, image.DefaultConfig())
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := img.Check(syscalls.Lookup()); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
				}
				id, err := store.Put(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				log.G(cmd.Context()).WithField("image", id.Short()).WithField("path", path).Debug("image added")
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "Store images without loading them first")
	return cmd
}

func newImageListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored program images",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := imagestore.Open(opts.store)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IMAGE ID\tSIZE\tSTORED\tADDED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n",
					info.ID,
					units.BytesSize(float64(info.Size)),
					units.BytesSize(float64(info.StoredSize)),
					units.HumanDuration(time.Since(info.Added)),
				)
			}
			return w.Flush()
		},
	}
}
