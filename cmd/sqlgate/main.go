// Package main provides the entry point for the sqlgate command line tool.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/sqlgate/cmd/sqlgate/config"
	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
	"github.com/TFMV/sqlgate/pkg/repositories/mysql"
	"github.com/TFMV/sqlgate/pkg/repositories/postgres"
	"github.com/TFMV/sqlgate/pkg/repositories/sqlite"
	"github.com/TFMV/sqlgate/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const pushTimeout = 5 * time.Second

// errReported marks a failure whose envelope has already been written.
var errReported = stderrors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// app holds the state of one CLI invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	v      *viper.Viper

	cfg       *config.Config
	logger    zerolog.Logger
	collector *metrics.PrometheusCollector
	service   *services.GateService
}

func newApp(stdout, stderr io.Writer) *app {
	v := viper.New()
	defaults := config.DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("output", defaults.Output)
	v.SetDefault("metrics.push_url", defaults.Metrics.PushURL)
	v.SetDefault("metrics.job", defaults.Metrics.Job)
	v.SetDefault("default_connection", defaults.DefaultConnection)
	v.SetEnvPrefix("SQLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &app{
		stdout: stdout,
		stderr: stderr,
		v:      v,
		logger: zerolog.Nop(),
	}
}

// run executes the command line and returns the process exit status.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	cmd, err := root.ExecuteContextC(ctx)
	a.pushMetrics()
	if err == nil {
		return 0
	}
	if !stderrors.Is(err, errReported) {
		var ge *errors.GateError
		if !stderrors.As(err, &ge) {
			// Flag and argument errors from cobra.
			err = errors.New(errors.CodeInvalidInput, err.Error())
		}
		if cmd == nil {
			cmd = root
		}
		_ = a.emit(cmd, "", nil, err)
	}
	return 1
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sqlgate",
		Short: "Least-privilege SQL gate for agents",
		Long: `sqlgate classifies every SQL statement before it reaches a database and
runs it only when the granted capabilities cover it.

Capabilities are granted per invocation with flags and are never read from
configuration. Without flags a statement runs read-only.

Example:
  sqlgate query --name warehouse "SELECT * FROM orders LIMIT 10"
  sqlgate query --dialect sqlite --file app.db --allow-write "DELETE FROM sessions"`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
	}

	defaults := config.DefaultConfig()
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file path")
	pf.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	pf.String("log-format", defaults.LogFormat, "log format (json, console)")
	pf.StringP("output", "o", defaults.Output, "output format (json, yaml, table)")
	pf.StringP("name", "n", "", "connection profile name")
	pf.String("dialect", "", "database dialect (postgres, mysql, sqlite)")
	pf.String("host", "", "database host")
	pf.Int("port", 0, "database port")
	pf.String("user", "", "database user")
	pf.String("password", "", "database password")
	pf.String("database", "", "database name")
	pf.String("file", "", "SQLite database file")
	pf.StringToString("param", nil, "driver parameter key=value (repeatable)")

	// Bind flags to viper
	bindings := map[string]string{
		"config":        "config",
		"log_level":     "log-level",
		"log_format":    "log-format",
		"output":        "output",
		"conn.name":     "name",
		"conn.dialect":  "dialect",
		"conn.host":     "host",
		"conn.port":     "port",
		"conn.user":     "user",
		"conn.password": "password",
		"conn.database": "database",
		"conn.file":     "file",
	}
	for key, flag := range bindings {
		if err := a.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}

	root.AddCommand(
		a.connectCommand(),
		a.introspectCommand(),
		a.queryCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads configuration and builds the service graph.
func (a *app) setup() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = setupLogging(a.stderr, cfg.LogLevel, cfg.LogFormat)
	a.collector = metrics.NewPrometheusCollector()

	registry := repositories.NewRegistry(
		postgres.NewEngine(a.logger),
		mysql.NewEngine(a.logger),
		sqlite.NewEngine(a.logger),
	)
	a.service = services.NewGateService(registry, a.logger, a.collector)

	a.logger.Debug().
		Str("version", version).
		Str("commit", commit).
		Strs("connections", cfg.ProfileNames()).
		Msg("Configuration loaded")
	return nil
}

// descriptor resolves the connection for this invocation from the
// connection flags and the configured profiles.
func (a *app) descriptor(cmd *cobra.Command) (models.ConnectionDescriptor, error) {
	params, err := cmd.Flags().GetStringToString("param")
	if err != nil {
		return models.ConnectionDescriptor{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid --param")
	}
	overrides := models.ConnectionDescriptor{
		Dialect:  models.Dialect(a.v.GetString("conn.dialect")),
		Host:     a.v.GetString("conn.host"),
		Port:     a.v.GetInt("conn.port"),
		User:     a.v.GetString("conn.user"),
		Password: a.v.GetString("conn.password"),
		Database: a.v.GetString("conn.database"),
		File:     a.v.GetString("conn.file"),
		Params:   params,
	}
	return a.cfg.Resolve(a.v.GetString("conn.name"), overrides)
}

// emit writes the envelope for one invocation. It returns errReported when
// err is set so that run exits non-zero without writing a second envelope.
func (a *app) emit(cmd *cobra.Command, dialect models.Dialect, data interface{}, err error) error {
	env := Envelope{
		OK:      err == nil,
		Command: cmd.Name(),
		Dialect: string(dialect),
		Data:    data,
	}
	if err != nil {
		env.Error = errorBody(err)
	}

	if rerr := render(a.stdout, a.outputFormat(), env); rerr != nil {
		a.logger.Error().Err(rerr).Msg("Failed to write output")
		return errReported
	}
	if err != nil {
		return errReported
	}
	return nil
}

func (a *app) outputFormat() string {
	if a.cfg != nil {
		return a.cfg.Output
	}
	return a.v.GetString("output")
}

func (a *app) pushMetrics() {
	if a.cfg == nil || a.collector == nil || a.cfg.Metrics.PushURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := a.collector.Push(ctx, a.cfg.Metrics.PushURL, a.cfg.Metrics.Job); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to push metrics")
	}
}

// setupLogging builds the process logger. Logs go to w, which is stderr in
// production, so stdout carries only the envelope.
func setupLogging(w io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			if i := strings.LastIndexByte(file, '/'); i >= 0 {
				short = file[i+1:]
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.WarnLevel
	}

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "sqlgate")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}
	return logger.Logger()
}
