package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/querycache/internal/app"
	"github.com/objectfs/querycache/internal/config"
	"github.com/objectfs/querycache/pkg/types"
)

const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	configFile string
	envFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "querycache",
		Short:         "Adaptive query cache and database load balancer",
		Version:       fmt.Sprintf("%s (%s)", BuildVersion, BuildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, ".env files loaded before QUERYCACHE_* variables")

	root.AddCommand(
		newServeCommand(opts),
		newQueryCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// load applies defaults, then the file, then the environment
func (o *rootOptions) load() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if o.configFile != "" {
		if err := cfg.LoadFromFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(o.envFiles...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run health checks and the metrics server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Shutdown(context.Background())
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.Shutdown(shutdownCtx)
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var (
		priority string
		timeout  time.Duration
		retries  int
		user     string
		params   map[string]string
		tags     []string
	)

	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one statement through the cache and balancer and print the response as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Metrics.Enabled = false

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown(context.Background()) }()

			req := types.NewQueryRequest("", args[0])
			req.Priority = p
			req.Timeout = timeout
			req.MaxRetries = retries
			req.UserID = user
			req.Tags = tags
			if len(params) > 0 {
				req.Params = make(map[string]any, len(params))
				for k, v := range params {
					req.Params[k] = v
				}
			}

			resp := a.Query(ctx, req)
			if err := writeResponse(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return resp.Error
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "critical, high, normal, low or background")
	cmd.Flags().DurationVar(&timeout, "timeout", types.DefaultQueryTimeout, "per-attempt timeout")
	cmd.Flags().IntVar(&retries, "retries", -1, "retry budget; negative uses the configured default")
	cmd.Flags().StringVar(&user, "user", "", "user id for access tracking")
	cmd.Flags().StringToStringVar(&params, "param", nil, "named parameter, name=value")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "cache tags")
	return cmd
}

type queryOutput struct {
	*types.QueryResponse
	Error string `json:"error,omitempty"`
}

func writeResponse(w io.Writer, resp *types.QueryResponse) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(queryOutput{QueryResponse: resp, Error: resp.ErrorMessage()})
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init <file>",
		Short: "Write the default configuration to file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.NewDefault().SaveToFile(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	})
	return cmd
}
