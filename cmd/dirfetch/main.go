package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/danricht/dirbatch/pkg/environment"
	"github.com/danricht/dirbatch/pkg/logging"
	"github.com/danricht/dirbatch/pkg/pagination"
	"github.com/danricht/dirbatch/pkg/throttle"
	"github.com/danricht/dirbatch/pkg/transport"
)

const userAgent = "dirfetch/0.1.0"

func main() {
	cmd, err := newRootCmd()
	if err == nil {
		err = cmd.Execute()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "dirfetch <collection>",
		Short: "Fetch a full directory collection using batched pagination",
		Long: `dirfetch retrieves every record of a paginated directory collection
(users, groups, devices, ...) and writes the merged result to stdout.
After the first page, continuation pages are multiplexed through the
$batch endpoint, optionally with concurrent batch calls.

The bearer token is read from the environment variable named by
--token-env (default DIRFETCH_TOKEN). All flags can also be set via
environment variables with the DIRFETCH_ prefix, e.g. DIRFETCH_MAX_JOBS=4.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args[0], cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("environment", "Global", "cloud environment (Global, USGov, USGovDoD, China, Germany)")
	flags.Int("page-size", pagination.MaxPageSize, "records per page ($top)")
	flags.String("filter", "", "OData $filter expression")
	flags.Bool("concurrent", false, "issue batch calls concurrently")
	flags.Int("max-jobs", 8, "max concurrent batch calls per round (1-20)")
	flags.Int("memory-threshold-mb", 100, "estimated result size that triggers a warning (0 disables)")
	flags.String("strategy", "nextlink", "continuation strategy (nextlink or skiptoken)")
	flags.String("token-env", "DIRFETCH_TOKEN", "environment variable holding the bearer token")
	flags.String("output", "json", "output format (json or csv)")
	flags.String("redis", "", "Redis address for the shared throttle tracker (empty disables)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable log output")

	v.SetEnvPrefix("DIRFETCH")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	return cmd, nil
}

func run(ctx context.Context, v *viper.Viper, collection string, out io.Writer) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(v.GetString("log-level")),
		Pretty: v.GetBool("log-pretty"),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := os.Getenv(v.GetString("token-env"))
	if token == "" {
		return fmt.Errorf("no bearer token in $%s", v.GetString("token-env"))
	}

	session, err := environment.NewSession(
		environment.Environment(v.GetString("environment")),
		environment.StaticTokenSource(token),
	)
	if err != nil {
		return err
	}

	cfg := transport.DefaultConfig(userAgent)
	if addr := v.GetString("redis"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		defer redisClient.Close()
		cfg.Throttle = throttle.NewTracker(redisClient, logger)
	}

	client, err := transport.New(session, cfg)
	if err != nil {
		return err
	}

	strategy, err := parseStrategy(v.GetString("strategy"))
	if err != nil {
		return err
	}

	fetcher, err := pagination.NewFetcher(client, session, pagination.Options{
		Strategy:          strategy,
		Concurrent:        v.GetBool("concurrent"),
		MaxConcurrentJobs: v.GetInt("max-jobs"),
		MemoryThresholdMB: v.GetInt("memory-threshold-mb"),
	})
	if err != nil {
		return err
	}

	result, err := fetcher.FetchAll(ctx, pagination.Query{
		Endpoint: collection,
		PageSize: v.GetInt("page-size"),
		Filter:   encodeFilter(v.GetString("filter")),
	})
	if err != nil {
		return err
	}

	if !result.Complete {
		logger.Warn().
			Int("failed_branches", len(result.Failures)).
			Msg("result is incomplete, some continuation branches were truncated")
	}

	switch v.GetString("output") {
	case "json":
		return writeJSON(out, result.Records)
	case "csv":
		return writeCSV(out, result.Records)
	default:
		return fmt.Errorf("unknown output format %q (want json or csv)", v.GetString("output"))
	}
}

// encodeFilter percent-encodes an OData filter expression for use as a
// query-string value. The engine inserts Query.Filter verbatim into page
// URLs, so encoding happens here at the glue layer. Spaces become %20
// rather than +, matching the form the API echoes back in next links.
func encodeFilter(filter string) string {
	if filter == "" {
		return ""
	}
	return strings.ReplaceAll(url.QueryEscape(filter), "+", "%20")
}

func parseStrategy(s string) (pagination.Strategy, error) {
	switch s {
	case "nextlink":
		return pagination.StrategyNextLink, nil
	case "skiptoken":
		return pagination.StrategySkipToken, nil
	default:
		return "", fmt.Errorf("unknown continuation strategy %q (want nextlink or skiptoken)", s)
	}
}

// writeJSON emits the records as one JSON array.
func writeJSON(w io.Writer, records []json.RawMessage) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// writeCSV flattens top-level scalar fields into columns. The header is the
// sorted union of scalar field names across all records; nested objects and
// arrays are skipped.
func writeCSV(w io.Writer, records []json.RawMessage) error {
	rows := make([]map[string]string, 0, len(records))
	columns := make(map[string]bool)

	for _, raw := range records {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		row := make(map[string]string)
		for key, val := range obj {
			s, ok := scalarString(val)
			if !ok {
				continue
			}
			row[key] = s
			columns[key] = true
		}
		rows = append(rows, row)
	}

	header := make([]string, 0, len(columns))
	for col := range columns {
		header = append(header, col)
	}
	sort.Strings(header)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		fields := make([]string, len(header))
		for i, col := range header {
			fields[i] = row[col]
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
