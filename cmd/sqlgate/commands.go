package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// connectConcurrency bounds parallel probes for `connect --all`.
const connectConcurrency = 4

func (a *app) connectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Check connectivity to a database",
		Long: `Open a connection, report server details and close it.

Example:
  sqlgate connect --name warehouse
  sqlgate connect --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all {
				results, err := a.connectAll(cmd.Context())
				if results == nil {
					return a.emit(cmd, "", nil, err)
				}
				return a.emit(cmd, "", results, err)
			}

			desc, err := a.descriptor(cmd)
			if err != nil {
				return a.emit(cmd, "", nil, err)
			}
			summary, err := a.service.CheckConnectivity(cmd.Context(), desc)
			if err != nil {
				return a.emit(cmd, desc.Dialect, nil, err)
			}
			return a.emit(cmd, desc.Dialect, summary, nil)
		},
	}
	cmd.Flags().Bool("all", false, "check every configured connection")
	return cmd
}

// connectAll probes every configured profile. One failing profile does not
// stop the others; the command fails when any of them failed.
func (a *app) connectAll(ctx context.Context) ([]connectResult, error) {
	names := a.cfg.ProfileNames()
	if len(names) == 0 {
		return nil, errors.New(errors.CodeConfigError, "no connections configured")
	}

	results := make([]connectResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(connectConcurrency)
	for i, name := range names {
		g.Go(func() error {
			r := connectResult{Name: name}
			desc, err := a.cfg.Resolve(name, models.ConnectionDescriptor{})
			if err == nil {
				r.Dialect = desc.Dialect
				r.Summary, err = a.service.CheckConnectivity(gctx, desc)
			}
			if err != nil {
				r.Error = errorBody(err)
			} else {
				r.OK = true
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var (
		failed int
		first  *ErrorBody
	)
	for _, r := range results {
		if r.Error != nil {
			failed++
			if first == nil {
				first = r.Error
			}
		}
	}
	if failed > 0 {
		return results, errors.Newf(first.Code, "%d of %d connections failed", failed, len(names))
	}
	return results, nil
}

func (a *app) introspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Describe tables, columns, keys and indexes",
		Long: `Describe the schema of a database. Introspection is read-only and needs
no capability flags.

Example:
  sqlgate introspect --name warehouse --schema analytics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("schema")
			desc, err := a.descriptor(cmd)
			if err != nil {
				return a.emit(cmd, "", nil, err)
			}
			snapshot, err := a.service.DescribeSchema(cmd.Context(), desc, scope)
			if err != nil {
				return a.emit(cmd, desc.Dialect, nil, err)
			}
			return a.emit(cmd, desc.Dialect, snapshot, nil)
		},
	}
	cmd.Flags().String("schema", "", "schema (postgres), database (mysql) or attached schema (sqlite) to describe")
	return cmd
}

func (a *app) queryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run one statement under the granted capabilities",
		Long: `Classify a single SQL statement and run it when the granted capabilities
cover its category. Reads need no flags, writes need --allow-write and schema
changes need --allow-ddl, which also grants writes.

Example:
  sqlgate query --name warehouse --max-rows 100 "SELECT * FROM orders"
  sqlgate query --name warehouse --allow-write --timeout 5s "UPDATE orders SET status = 'shipped' WHERE id = 7"
  sqlgate query --name warehouse --dry-run "DROP TABLE orders"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := capabilities(cmd.Flags())
			if err != nil {
				return a.emit(cmd, "", nil, err)
			}
			desc, err := a.descriptor(cmd)
			if err != nil {
				return a.emit(cmd, "", nil, err)
			}

			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				decision, err := a.service.Evaluate(desc.Dialect, args[0], caps)
				if err != nil {
					return a.emit(cmd, desc.Dialect, nil, err)
				}
				return a.emit(cmd, desc.Dialect, decision, nil)
			}

			result, err := a.service.RunStatement(cmd.Context(), desc, args[0], caps)
			if err != nil {
				return a.emit(cmd, desc.Dialect, nil, err)
			}
			return a.emit(cmd, desc.Dialect, result, nil)
		},
	}
	flags := cmd.Flags()
	flags.Bool("allow-write", false, "grant data modification (INSERT, UPDATE, DELETE, ...)")
	flags.Bool("allow-ddl", false, "grant schema changes (CREATE, ALTER, DROP, ...); implies --allow-write")
	flags.Int("max-rows", 0, "return at most this many rows")
	flags.Duration("timeout", 0, "abort the statement after this long")
	flags.Bool("dry-run", false, "report the gate decision without contacting the database")
	return cmd
}

// capabilities builds the capability set from query flags. Limits are only
// attached when their flag was given.
func capabilities(flags *pflag.FlagSet) (models.CapabilitySet, error) {
	var caps models.CapabilitySet
	caps.AllowWrite, _ = flags.GetBool("allow-write")
	caps.AllowDDL, _ = flags.GetBool("allow-ddl")

	if flags.Changed("max-rows") {
		n, err := flags.GetInt("max-rows")
		if err != nil {
			return caps, errors.Wrap(err, errors.CodeInvalidInput, "invalid --max-rows")
		}
		caps.MaxRows = &n
	}
	if flags.Changed("timeout") {
		d, err := flags.GetDuration("timeout")
		if err != nil {
			return caps, errors.Wrap(err, errors.CodeInvalidInput, "invalid --timeout")
		}
		caps.Timeout = &d
	}
	return caps, nil
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.emit(cmd, "", versionInfo{Version: version, Commit: commit, BuildDate: buildDate}, nil)
		},
	}
}
