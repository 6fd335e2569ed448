package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/dlbewley/cluster-pulse/internal/aggregate"
	"github.com/dlbewley/cluster-pulse/internal/config"
)

type configLoader func() (config.Config, error)

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	root := &cobra.Command{
		Use:   "cluster-pulse",
		Short: "Live overview of Kubernetes cluster nodes, pods and services",
		Long: `cluster-pulse polls a cluster's nodes, pods and services, merges them into one
snapshot with per-node readiness and utilization, and serves the latest snapshot
over HTTP and WebSocket.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "cluster-pulse version %s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.String(config.KeyLogLevel, "info", "log level (error, warn, info, debug, trace)")
	flags.String(config.KeyKubeconfig, "", "kubeconfig path (default $KUBECONFIG or ~/.kube/config)")
	flags.Bool(config.KeyInCluster, false, "use the pod service account instead of kubeconfig")
	flags.String(config.KeyFixtureDir, "", "serve clusters from list documents under this directory")
	flags.String(config.KeyCluster, "", "cluster to observe")
	flags.String(config.KeyContext, "", "kubeconfig context for --cluster (default: the cluster name)")
	flags.Duration(config.KeyFetchTimeout, aggregate.DefaultFetchTimeout, "bound on each resource fetch, retries included")
	flags.Int(config.KeyFetchAttempts, aggregate.DefaultFetchAttempts, "attempts per resource on transport failure")
	flags.Duration(config.KeyRetryBackoff, aggregate.DefaultRetryBackoff, "delay before the first retry")
	bindFlags(v, flags)

	load := func() (config.Config, error) {
		return config.Load(v, configFile)
	}
	root.AddCommand(newServeCmd(v, load))
	root.AddCommand(newSnapshotCmd(load))
	root.AddCommand(newVersionCmd())
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "config" {
			return
		}
		_ = v.BindPFlag(flag.Name, flag)
	})
}

// newLogger builds the JSON logger and routes client-go's klog output into it.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	klog.SetSlogLogger(logger.With("component", "client-go"))
	return logger
}
