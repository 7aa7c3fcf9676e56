package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meow-io/go-obvsync"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	RootDir    string
	Password   string
	Debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "obvsync",
		Short:         "Inspect and reconcile an obvsync database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&opts.RootDir, "root", "", "root directory, overrides the config file")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", os.Getenv("OBVSYNC_PASSWORD"), "database password (default $OBVSYNC_PASSWORD)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug logging")

	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newChannelsCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

func (o *rootOptions) config() (*config.Config, error) {
	var opts []config.Option
	if o.ConfigPath != "" {
		fileOpts, err := config.LoadFile(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	if o.RootDir != "" {
		opts = append(opts, config.WithRootDir(o.RootDir))
	}
	if o.Debug {
		opts = append(opts, config.WithDebug(true))
	}
	return config.NewConfig(opts...), nil
}

// open starts the engine, creating the database on first use.
func (o *rootOptions) open(m obvsync.Metrics) (*obvsync.Engine, error) {
	if o.Password == "" {
		return nil, errors.New("no password given")
	}
	c, err := o.config()
	if err != nil {
		return nil, err
	}
	e, err := obvsync.NewEngine(c, &offlineNetwork{log: c.Logger("offline")}, m)
	if err != nil {
		return nil, err
	}
	key, err := e.NewKey(o.Password)
	if err != nil {
		return nil, err
	}
	if e.New() {
		err = e.Initialize(key)
	} else {
		err = e.Open(key)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Open the database, wait for its bootstrap reconciliation and print the reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(nil)
			if err != nil {
				return err
			}
			defer e.Shutdown()

			reports, err := e.StartupReports(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range reports {
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if err := r.Err(); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", err)
				}
			}
			return nil
		},
	}
}

func newChannelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the confirmed channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(nil)
			if err != nil {
				return err
			}
			defer e.Shutdown()

			return e.DB.RunReadOnly(cmd.Context(), "list channels", func() error {
				cis, err := e.Channels().ChannelIdentifiers()
				if err != nil {
					return err
				}
				for _, ci := range cis {
					fmt.Fprintln(cmd.OutOrStdout(), ci)
				}
				return nil
			})
		},
	}
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of queued protocol messages and running protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(nil)
			if err != nil {
				return err
			}
			defer e.Shutdown()

			return e.DB.RunReadOnly(cmd.Context(), "count pending", func() error {
				queued, err := e.Channels().QueuedMessageCount()
				if err != nil {
					return err
				}
				creations, err := e.Runtime().RunningChannelCreations()
				if err != nil {
					return err
				}
				discoveries, err := e.Runtime().RunningDeviceDiscoveries()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued=%d channel_creations=%d device_discoveries=%d\n", queued, len(creations), len(discoveries))
				return nil
			})
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and expose its metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := prometheus.NewRegistry()
			collector, err := metrics.NewCollector(registry)
			if err != nil {
				return err
			}
			e, err := opts.open(collector)
			if err != nil {
				return err
			}
			defer e.Shutdown()

			server := &http.Server{
				Addr:              addr,
				Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			served := make(chan error, 1)
			go func() { served <- server.ListenAndServe() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
			case err := <-served:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "127.0.0.1:9464", "address serving /metrics")
	return cmd
}
