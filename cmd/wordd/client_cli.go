package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/wordd/client"
	"pkt.systems/wordd/internal/svcfields"
)

const (
	clientServerKey   = "client.server"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"
)

type clientCLIConfig struct {
	verboseFlag *bool
}

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Query a running wordd server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", "127.0.0.1:9474", "wordd server address (host:port)")
	flags.Duration("timeout", client.DefaultTimeout, "per-request timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")
	cfg.verboseFlag = &verbose

	mustBindFlag(clientServerKey, "WORDD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "WORDD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "WORDD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newClientFindCommand(cfg),
		newClientFindMultiCommand(cfg),
		newClientCountCommand(cfg),
		newClientBatchCommand(cfg),
		newClientStatsCommand(cfg),
	)

	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func (c *clientCLIConfig) dial() (*client.Client, error) {
	opts := []client.Option{
		client.WithTimeout(viper.GetDuration(clientTimeoutKey)),
	}
	if logger, err := c.buildLogger(); err != nil {
		return nil, err
	} else if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	return client.Dial(viper.GetString(clientServerKey), opts...)
}

func (c *clientCLIConfig) buildLogger() (pslog.Logger, error) {
	levelStr := strings.TrimSpace(strings.ToLower(viper.GetString(clientLogLevelKey)))
	if c.verboseFlag != nil && *c.verboseFlag {
		levelStr = "trace"
	}
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		return nil, nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", levelStr)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		return nil, nil
	}
	return svcfields.WithSubsystem(pslog.NewStructured(os.Stderr), "client.cli").LogLevel(level), nil
}

// parseRangeFlag accepts "start:end" with end exclusive.
func parseRangeFlag(v string) (int, int, error) {
	startStr, endStr, ok := strings.Cut(v, ":")
	if !ok {
		return 0, 0, fmt.Errorf("range must be start:end, got %q", v)
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, fmt.Errorf("range start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return 0, 0, fmt.Errorf("range end: %w", err)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("range must satisfy 0 <= start <= end, got %q", v)
	}
	return start, end, nil
}

func queryOptions(mode string, gzip bool, rangeSpec string) ([]client.QueryOption, error) {
	var opts []client.QueryOption
	if mode != "" {
		opts = append(opts, client.WithMode(mode))
	}
	if gzip {
		opts = append(opts, client.WithGzip())
	}
	if rangeSpec != "" {
		start, end, err := parseRangeFlag(rangeSpec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRange(start, end))
	}
	return opts, nil
}

func newClientFindCommand(cfg *clientCLIConfig) *cobra.Command {
	var mode string
	var gzip bool
	var rangeSpec string
	var withTotal bool
	cmd := &cobra.Command{
		Use:   "find <pattern>",
		Short: "List words matching a wildcard pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := queryOptions(mode, gzip, rangeSpec)
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			total, words, err := cli.Find(args[0], opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if withTotal {
				fmt.Fprintln(out, total)
			}
			printWords(out, words)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "matching mode (exact or partial; server default when empty)")
	cmd.Flags().BoolVar(&gzip, "gzip", false, "request a gzip-compressed result body")
	cmd.Flags().StringVar(&rangeSpec, "range", "", "result page as start:end (end exclusive)")
	cmd.Flags().BoolVar(&withTotal, "total", false, "print the total match count before the words")
	return cmd
}

func newClientFindMultiCommand(cfg *clientCLIConfig) *cobra.Command {
	var mode string
	var gzip bool
	cmd := &cobra.Command{
		Use:   "findmulti <pattern>...",
		Short: "List the merged de-duplicated matches of several patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := queryOptions(mode, gzip, "")
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			words, err := cli.FindMulti(args, opts...)
			if err != nil {
				return err
			}
			printWords(cmd.OutOrStdout(), words)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "matching mode (exact or partial; server default when empty)")
	cmd.Flags().BoolVar(&gzip, "gzip", false, "request a gzip-compressed result body")
	return cmd
}

func newClientCountCommand(cfg *clientCLIConfig) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "count <pattern>",
		Short: "Count words matching a wildcard pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := queryOptions(mode, false, "")
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			n, err := cli.Count(args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "matching mode (exact or partial; server default when empty)")
	return cmd
}

func newClientBatchCommand(cfg *clientCLIConfig) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "batch <pattern>...",
		Short: "Count several patterns in one request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := queryOptions(mode, false, "")
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			counts, err := cli.CountBatch(args, opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, n := range counts {
				fmt.Fprintf(out, "%s %d\n", args[i], n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "matching mode (exact or partial; server default when empty)")
	return cmd
}

func newClientStatsCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print server counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			fields, err := cli.Stats()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(fields))
			for name := range fields {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%s %s\n", name, fields[name])
			}
			return nil
		},
	}
}

func printWords(w io.Writer, words []string) {
	for _, word := range words {
		fmt.Fprintln(w, word)
	}
}
