// Package postgres implements the PostgreSQL classifier and execution engine.
package postgres

import (
	"context"
	stderrors "errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/infrastructure/converter"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

const (
	defaultPort     = 5432
	applicationName = "sqlgate"
	closeTimeout    = 5 * time.Second
)

// SQLSTATE codes with special handling.
const (
	sqlstateQueryCanceled    = "57014"
	sqlstateReadOnlyTxn      = "25006"
	sqlstateConnectionPrefix = "08"
)

// engine implements repositories.Engine for PostgreSQL.
type engine struct {
	classifier *Classifier
	logger     zerolog.Logger
}

// NewEngine creates a new PostgreSQL engine.
func NewEngine(logger zerolog.Logger) repositories.Engine {
	return &engine{
		classifier: NewClassifier(),
		logger:     logger.With().Str("dialect", string(models.DialectPostgres)).Logger(),
	}
}

// Dialect returns the PostgreSQL dialect.
func (e *engine) Dialect() models.Dialect {
	return models.DialectPostgres
}

// Classifier returns the PostgreSQL classifier.
func (e *engine) Classifier() gate.Classifier {
	return e.classifier
}

// sessionOptions are connection parameters derived from the gate decision.
type sessionOptions struct {
	readOnly bool
	timeout  *time.Duration
}

// connConfig builds a pgx config from the descriptor. Credentials travel in the
// URL userinfo and never appear in logs.
func connConfig(desc models.ConnectionDescriptor, opts sessionOptions) (*pgx.ConnConfig, error) {
	if desc.Dialect != "" && desc.Dialect != models.DialectPostgres {
		return nil, errors.Newf(errors.CodeInvalidInput, "descriptor dialect %q does not match postgres", desc.Dialect)
	}
	var missing []string
	if desc.Host == "" {
		missing = append(missing, "host")
	}
	if desc.User == "" {
		missing = append(missing, "user")
	}
	if desc.Database == "" {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "connection descriptor is missing %s", strings.Join(missing, ", "))
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   desc.Address(defaultPort),
		Path:   "/" + desc.Database,
	}
	if desc.Password != "" {
		u.User = url.UserPassword(desc.User, desc.Password)
	} else {
		u.User = url.User(desc.User)
	}
	q := url.Values{}
	for k, v := range desc.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	cfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, errors.FromDriver(err, errors.CodeInvalidInput, string(models.DialectPostgres), "invalid connection parameters", desc.Password)
	}

	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = make(map[string]string)
	}
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = applicationName
	}
	if opts.readOnly {
		cfg.RuntimeParams["default_transaction_read_only"] = "on"
	}
	if opts.timeout != nil {
		cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(repositories.TimeoutMillis(*opts.timeout), 10)
		if cfg.ConnectTimeout == 0 || cfg.ConnectTimeout > *opts.timeout {
			cfg.ConnectTimeout = *opts.timeout
		}
	}
	return cfg, nil
}

// connect opens a single connection. The caller owns it and must close it.
func (e *engine) connect(ctx context.Context, desc models.ConnectionDescriptor, opts sessionOptions) (*pgx.Conn, error) {
	cfg, err := connConfig(desc, opts)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("target", desc.Redacted()).
		Bool("read_only", opts.readOnly).
		Msg("Opening connection")

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		if repositories.TimedOut(ctx, err) {
			return nil, repositories.TimeoutError(models.DialectPostgres, models.ExecutionParams{Timeout: opts.timeout})
		}
		return nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectPostgres), "failed to connect", desc.Password)
	}
	return conn, nil
}

func (e *engine) close(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close connection")
	}
}

// CheckConnectivity opens, probes and closes a connection.
func (e *engine) CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (*models.ConnectionSummary, error) {
	conn, err := e.connect(ctx, desc, sessionOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	defer e.close(conn)

	summary := &models.ConnectionSummary{Dialect: models.DialectPostgres}
	err = conn.QueryRow(ctx, "SELECT version(), current_database(), current_user").
		Scan(&summary.ServerInfo, &summary.Database, &summary.User)
	if err != nil {
		return nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectPostgres), "connectivity probe failed", desc.Password)
	}

	summary.DatabaseVersion = conn.PgConn().ParameterStatus("server_version")
	if summary.DatabaseVersion == "" {
		summary.DatabaseVersion = summary.ServerInfo
	}
	return summary, nil
}

// RunStatement gates sql and executes it when permitted.
func (e *engine) RunStatement(ctx context.Context, desc models.ConnectionDescriptor, sql string, caps models.CapabilitySet) (*models.ResultSet, error) {
	decision, err := repositories.Authorize(sql, e.classifier, caps)
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
	opts := sessionOptions{readOnly: !caps.CanWrite(), timeout: decision.Params.Timeout}
	conn, err := e.connect(ctx, desc, opts)
	if err != nil {
		return nil, err
	}
	defer e.close(conn)

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, e.statementError(ctx, err, desc, decision.Params)
	}

	result, err := collect(rows, decision.Params.MaxRows)
	if err != nil {
		return nil, e.statementError(ctx, err, desc, decision.Params)
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

// collect drains rows, honouring the row limit. rows is always closed.
func collect(rows pgx.Rows, maxRows *int) (*models.ResultSet, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &models.ResultSet{
		Columns: make([]string, len(fields)),
		Rows:    make([]map[string]interface{}, 0),
	}
	dbTypes := make([]string, len(fields))
	for i, f := range fields {
		result.Columns[i] = f.Name
		if f.DataTypeOID == pgtype.ByteaOID {
			dbTypes[i] = "BYTEA"
		}
	}

	for rows.Next() {
		if maxRows != nil && len(result.Rows) >= *maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, name := range result.Columns {
			row[name] = converter.Value(values[i], dbTypes[i])
		}
		result.Rows = append(result.Rows, row)
	}

	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if tag := rows.CommandTag(); !tag.Select() && (len(fields) == 0 || tag.Insert() || tag.Update() || tag.Delete()) {
		affected := tag.RowsAffected()
		result.RowsAffected = &affected
	}
	return result, nil
}

// statementError maps an execution failure onto the error taxonomy.
func (e *engine) statementError(ctx context.Context, err error, desc models.ConnectionDescriptor, params models.ExecutionParams) error {
	if repositories.TimedOut(ctx, err) {
		return repositories.TimeoutError(models.DialectPostgres, params)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlstateQueryCanceled && params.Timeout != nil:
			return repositories.TimeoutError(models.DialectPostgres, params)
		case pgErr.Code == sqlstateReadOnlyTxn:
			return errors.New(errors.CodeCapabilityViolation, "statement attempted to write in a read-only session").
				WithEngine(string(models.DialectPostgres))
		case strings.HasPrefix(pgErr.Code, sqlstateConnectionPrefix):
			return errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectPostgres), "connection lost", desc.Password).
				WithDetail("sqlstate", pgErr.Code)
		}
		return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectPostgres), "statement failed", desc.Password).
			WithDetail("sqlstate", pgErr.Code)
	}

	if pgconn.Timeout(err) {
		return repositories.TimeoutError(models.DialectPostgres, params)
	}
	return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectPostgres), "statement failed", desc.Password)
}
