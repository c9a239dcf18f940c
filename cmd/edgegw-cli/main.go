// Command edgegw-cli inspects edge gateway configuration files.
package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	edgegateway "github.com/ferro-labs/edge-gateway"
	"github.com/ferro-labs/edge-gateway/internal/requestlog"
	"github.com/ferro-labs/edge-gateway/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "edgegw-cli",
		Short:        "Edge gateway command line tool",
		SilenceUsage: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newRoutesCmd(),
		newMatchCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadGateway loads, validates and assembles the gateway described by path
// without starting a server.
func loadGateway(path string) (*edgegateway.Gateway, error) {
	cfg, err := edgegateway.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return edgegateway.New(*cfg)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := loadGateway(args[0])
			if err != nil {
				return err
			}
			cfg := gw.Config()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Service:  %s\n", cfg.Service)
			fmt.Fprintf(out, "  Listen:   %s\n", cfg.Listen)
			fmt.Fprintf(out, "  Routes:   %d\n", len(cfg.Routes))
			fmt.Fprintf(out, "  Breaker:  %s (max_failures=%d call_timeout=%s reset_timeout=%s shared=%t)\n",
				cfg.CircuitBreaker.Engine,
				cfg.CircuitBreaker.MaxFailures,
				cfg.CircuitBreaker.CallTimeout.Std(),
				cfg.CircuitBreaker.ResetTimeout.Std(),
				cfg.CircuitBreaker.Shared,
			)
			return nil
		},
	}
}

func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes <config-file>",
		Short: "List routes in installation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := loadGateway(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tPREFIX\tUPSTREAM\tBREAKER")
			for i, r := range gw.Routes() {
				breaker := ""
				if b, ok := gw.Breaker(r.Prefix); ok {
					breaker = b.Name()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, r.Prefix, r.Upstream, breaker)
			}
			return tw.Flush()
		},
	}
}

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <config-file> <path>",
		Short: "Show which route serves a path and what is forwarded upstream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := loadGateway(args[0])
			if err != nil {
				return err
			}
			r, forwarded, ok := gw.Match(args[1])
			if !ok {
				return fmt.Errorf("no route matches %s", args[1])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "route:     %s\n", r.Prefix)
			fmt.Fprintf(out, "upstream:  %s\n", r.Upstream)
			fmt.Fprintf(out, "forwarded: %q\n", forwarded)
			return nil
		},
	}
}

// openRequestLog opens the request log configured in path.
func openRequestLog(path string) (*requestlog.SQLWriter, error) {
	cfg, err := edgegateway.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.RequestLog.Driver == "" {
		return nil, errors.New("request_log is not configured")
	}
	return requestlog.Open(cfg.RequestLog.Driver, cfg.RequestLog.DSN)
}

func newLogsCmd() *cobra.Command {
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Inspect and prune the request log",
	}

	var q requestlog.Query
	list := &cobra.Command{
		Use:   "list <config-file>",
		Short: "List journaled proxied calls, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openRequestLog(args[0])
			if err != nil {
				return err
			}
			defer w.Close()

			res, err := w.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tROUTE\tMETHOD\tURI\tSTATUS\tERROR\tDURATION\tREQUEST ID")
			for _, e := range res.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Route, e.Method, e.URI,
					e.Status, e.ErrorType, e.Duration, e.RequestID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(res.Data), res.Total)
			return nil
		},
	}
	list.Flags().StringVar(&q.Route, "route", "", "only entries for this route prefix")
	list.Flags().StringVar(&q.ErrorType, "error-type", "", "only entries with this error type")
	list.Flags().IntVar(&q.Limit, "limit", 50, "maximum entries to show")
	list.Flags().IntVar(&q.Offset, "offset", 0, "entries to skip")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune <config-file>",
		Short: "Delete entries older than --older-than",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			w, err := openRequestLog(args[0])
			if err != nil {
				return err
			}
			defer w.Close()

			n, err := w.Delete(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of the entries to delete")

	logs.AddCommand(list, prune)
	return logs
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgegw-cli %s\n", version.String())
		},
	}
}
