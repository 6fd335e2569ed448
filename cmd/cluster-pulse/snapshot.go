package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

func newSnapshotCmd(load configLoader) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Aggregate one snapshot of --cluster and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unsupported output format %q (json or yaml)", output)
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			logger := newLogger(os.Stderr, cfg.LogLevel)
			be := buildBackend(cfg, logger)
			identity, ok := be.initialIdentity(cfg)
			if !ok {
				return fmt.Errorf("--cluster is required")
			}

			snap, err := be.aggregator(cfg, logger).Run(cmd.Context(), identity)
			if err != nil {
				return err
			}

			var out []byte
			if output == "yaml" {
				out, err = yaml.Marshal(snap)
			} else {
				out, err = json.MarshalIndent(snap, "", "  ")
				out = append(out, '\n')
			}
			if err != nil {
				return fmt.Errorf("encode snapshot: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json or yaml)")
	return cmd
}
