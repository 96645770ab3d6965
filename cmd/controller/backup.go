package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wirtbot/pkg/topology"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored topology as a backup document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, done, err := offlineStore(cmd)
			if err != nil {
				return err
			}
			defer done()
			data, err := st.ExportBackup()
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(out, append(data, '\n'), 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the stored topology with a backup, migrating it first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			st, done, err := offlineStore(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx := topology.WithActor(context.Background(), "cli")
			if err := st.ImportBackup(ctx, raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s: revision %d, %d devices, state %s\n",
				args[0], st.Revision(), len(st.Snapshot().RealDevices()), st.State())
			return nil
		},
	}
}

// offlineStore opens the configured backend without pushing. A running
// controller picks imported changes up on restart or through the store watch.
func offlineStore(cmd *cobra.Command) (*topology.Store, func(), error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	snaps, _, closer, err := openStore(c.Store)
	if err != nil {
		return nil, nil, err
	}
	st := topology.New(topology.Options{Snapshots: snaps})
	if err := st.Load(context.Background()); err != nil {
		closer.Close()
		return nil, nil, err
	}
	return st, func() {
		st.Close()
		closer.Close()
	}, nil
}

func newSigningKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signing-key",
		Short: "Print the public key the agent verifies pushes with",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, done, err := offlineStore(cmd)
			if err != nil {
				return err
			}
			defer done()
			k := st.Snapshot().Keys
			if k == nil || k.Public == "" {
				return fmt.Errorf("no signing key yet; set the server up first")
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.Public)
			return nil
		},
	}
}
