// Package mysql implements the MySQL and MariaDB classifier and execution engine.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/infrastructure/converter"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

const defaultPort = 3306

// Server error numbers with special handling.
const (
	errAccessDenied       = 1045
	errDBAccessDenied     = 1044
	errUnknownSystemVar   = 1193
	errQueryInterrupted   = 1317
	errReadOnlyTxn        = 1792
	errStatementTimeout   = 1969 // MariaDB
	errQueryTimeout       = 3024 // MySQL
	errCantConnectToMySQL = 2003
)

// opener returns a database handle for one call. Tests replace it with sqlmock.
type opener func(desc models.ConnectionDescriptor, opts sessionOptions) (*sql.DB, error)

// engine implements repositories.Engine for MySQL.
type engine struct {
	classifier *Classifier
	logger     zerolog.Logger
	open       opener
}

// NewEngine creates a new MySQL engine.
func NewEngine(logger zerolog.Logger) repositories.Engine {
	return newEngine(logger, openDB)
}

func newEngine(logger zerolog.Logger, open opener) *engine {
	return &engine{
		classifier: NewClassifier(),
		logger:     logger.With().Str("dialect", string(models.DialectMySQL)).Logger(),
		open:       open,
	}
}

// Dialect returns the MySQL dialect.
func (e *engine) Dialect() models.Dialect {
	return models.DialectMySQL
}

// Classifier returns the MySQL classifier.
func (e *engine) Classifier() gate.Classifier {
	return e.classifier
}

type sessionOptions struct {
	readOnly bool
	timeout  *time.Duration
}

// driverConfig builds the driver configuration. Multi-statement mode stays off.
func driverConfig(desc models.ConnectionDescriptor, opts sessionOptions) (*mysql.Config, error) {
	if desc.Dialect != "" && desc.Dialect != models.DialectMySQL {
		return nil, errors.Newf(errors.CodeInvalidInput, "descriptor dialect %q does not match mysql", desc.Dialect)
	}
	var missing []string
	if desc.Host == "" {
		missing = append(missing, "host")
	}
	if desc.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "connection descriptor is missing %s", strings.Join(missing, ", "))
	}

	cfg := mysql.NewConfig()
	cfg.User = desc.User
	cfg.Passwd = desc.Password
	cfg.Net = "tcp"
	cfg.Addr = desc.Address(defaultPort)
	cfg.DBName = desc.Database
	cfg.ParseTime = true
	cfg.MultiStatements = false
	if len(desc.Params) > 0 {
		cfg.Params = make(map[string]string, len(desc.Params))
		for k, v := range desc.Params {
			cfg.Params[k] = v
		}
	}
	if opts.timeout != nil {
		cfg.Timeout = *opts.timeout
	}
	return cfg, nil
}

func openDB(desc models.ConnectionDescriptor, opts sessionOptions) (*sql.DB, error) {
	cfg, err := driverConfig(desc, opts)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.FromDriver(err, errors.CodeInvalidInput, string(models.DialectMySQL), "invalid connection parameters", desc.Password)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	return db, nil
}

// session opens the handle, pins a single connection and applies the session
// options to it. The returned cleanup closes both.
func (e *engine) session(ctx context.Context, desc models.ConnectionDescriptor, opts sessionOptions) (*sql.Conn, func(), error) {
	db, err := e.open(desc, opts)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Debug().
		Str("target", desc.Redacted()).
		Bool("read_only", opts.readOnly).
		Msg("Opening connection")

	conn, err := db.Conn(ctx)
	if err != nil {
		e.closeDB(db)
		if repositories.TimedOut(ctx, err) {
			return nil, nil, repositories.TimeoutError(models.DialectMySQL, models.ExecutionParams{Timeout: opts.timeout})
		}
		return nil, nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectMySQL), "failed to connect", desc.Password)
	}

	cleanup := func() {
		if err := conn.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to release connection")
		}
		e.closeDB(db)
	}

	if err := e.prepareSession(ctx, conn, opts); err != nil {
		cleanup()
		return nil, nil, e.statementError(ctx, err, desc, models.ExecutionParams{Timeout: opts.timeout})
	}
	return conn, cleanup, nil
}

// prepareSession makes the session read-only when required and installs a
// server-side statement limit. MariaDB lacks max_execution_time and gets
// max_statement_time instead.
func (e *engine) prepareSession(ctx context.Context, conn *sql.Conn, opts sessionOptions) error {
	if opts.readOnly {
		if _, err := conn.ExecContext(ctx, "SET SESSION TRANSACTION READ ONLY"); err != nil {
			return err
		}
	}
	if opts.timeout == nil {
		return nil
	}

	ms := repositories.TimeoutMillis(*opts.timeout)
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", ms))
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) && myErr.Number == errUnknownSystemVar {
		_, err = conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_statement_time = %.3f", float64(ms)/1000))
	}
	if err != nil && !repositories.TimedOut(ctx, err) {
		// The context deadline still bounds the call.
		e.logger.Warn().Err(err).Msg("Failed to set server statement timeout")
		return nil
	}
	return err
}

func (e *engine) closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close connection")
	}
}

// CheckConnectivity opens, probes and closes a connection.
func (e *engine) CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (*models.ConnectionSummary, error) {
	conn, cleanup, err := e.session(ctx, desc, sessionOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var version, user string
	var database sql.NullString
	err = conn.QueryRowContext(ctx, "SELECT VERSION(), DATABASE(), CURRENT_USER()").Scan(&version, &database, &user)
	if err != nil {
		return nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectMySQL), "connectivity probe failed", desc.Password)
	}

	return &models.ConnectionSummary{
		Dialect:         models.DialectMySQL,
		DatabaseVersion: version,
		ServerInfo:      serverInfo(version),
		Database:        database.String,
		User:            user,
	}, nil
}

func serverInfo(version string) string {
	if strings.Contains(strings.ToLower(version), "mariadb") {
		return "MariaDB " + version
	}
	return "MySQL " + version
}

// RunStatement gates sql and executes it when permitted.
func (e *engine) RunStatement(ctx context.Context, desc models.ConnectionDescriptor, sqlText string, caps models.CapabilitySet) (*models.ResultSet, error) {
	decision, err := repositories.Authorize(sqlText, e.classifier, caps)
	if err != nil {
		e.logger.Debug().
			Str("code", errors.GetCode(err)).
			Str("category", decision.Category.String()).
			Msg("Statement denied")
		return nil, err
	}

	ctx, cancel := repositories.WithTimeout(ctx, decision.Params)
	defer cancel()

	start := time.Now()
	conn, cleanup, err := e.session(ctx, desc, sessionOptions{readOnly: !caps.CanWrite(), timeout: decision.Params.Timeout})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, e.statementError(ctx, err, desc, decision.Params)
	}
	result, err := converter.ReadRows(rows, decision.Params.MaxRows)
	if err != nil {
		return nil, e.statementError(ctx, err, desc, decision.Params)
	}

	if len(result.Columns) == 0 {
		var affected int64
		if err := conn.QueryRowContext(ctx, "SELECT ROW_COUNT()").Scan(&affected); err != nil {
			return nil, e.statementError(ctx, err, desc, decision.Params)
		}
		if affected >= 0 {
			result.RowsAffected = &affected
		}
	}
	result.Category = decision.Category
	result.SetExecutionTime(repositories.Elapsed(start))

	e.logger.Debug().
		Str("category", decision.Category.String()).
		Int("rows", len(result.Rows)).
		Bool("truncated", result.Truncated).
		Dur("elapsed", result.ExecutionTime).
		Msg("Statement executed")

	return result, nil
}

// statementError maps an execution failure onto the error taxonomy.
func (e *engine) statementError(ctx context.Context, err error, desc models.ConnectionDescriptor, params models.ExecutionParams) error {
	if repositories.TimedOut(ctx, err) {
		return repositories.TimeoutError(models.DialectMySQL, params)
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case errQueryTimeout, errStatementTimeout:
			return repositories.TimeoutError(models.DialectMySQL, params)
		case errQueryInterrupted:
			if params.Timeout != nil {
				return repositories.TimeoutError(models.DialectMySQL, params)
			}
		case errReadOnlyTxn:
			return errors.New(errors.CodeCapabilityViolation, "statement attempted to write in a read-only session").
				WithEngine(string(models.DialectMySQL))
		case errAccessDenied, errDBAccessDenied, errCantConnectToMySQL:
			return errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectMySQL), "connection refused", desc.Password).
				WithDetail("errno", myErr.Number)
		}
		return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectMySQL), "statement failed", desc.Password).
			WithDetail("errno", myErr.Number)
	}

	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, mysql.ErrInvalidConn) {
		return errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectMySQL), "connection lost", desc.Password)
	}
	return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectMySQL), "statement failed", desc.Password)
}
