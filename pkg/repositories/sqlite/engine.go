// Package sqlite implements the SQLite classifier and execution engine.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/infrastructure/converter"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

const (
	driverName         = "sqlite"
	memoryFile         = ":memory:"
	defaultBusyTimeout = 5 * time.Second
)

// accessMode is the SQLite open mode for a session.
type accessMode string

const (
	modeReadOnly        accessMode = "ro"
	modeReadWrite       accessMode = "rw"
	modeReadWriteCreate accessMode = "rwc"
)

// modeFor derives the least open mode that serves caps. Only DDL may create
// a database file.
func modeFor(caps models.CapabilitySet) accessMode {
	switch {
	case caps.CanDDL():
		return modeReadWriteCreate
	case caps.CanWrite():
		return modeReadWrite
	default:
		return modeReadOnly
	}
}

// engine implements repositories.Engine for SQLite.
type engine struct {
	classifier *Classifier
	logger     zerolog.Logger
}

// NewEngine creates a new SQLite engine.
func NewEngine(logger zerolog.Logger) repositories.Engine {
	return &engine{
		classifier: NewClassifier(),
		logger:     logger.With().Str("dialect", string(models.DialectSQLite)).Logger(),
	}
}

// Dialect returns the SQLite dialect.
func (e *engine) Dialect() models.Dialect {
	return models.DialectSQLite
}

// Classifier returns the SQLite classifier.
func (e *engine) Classifier() gate.Classifier {
	return e.classifier
}

var pathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// dsn builds a file URI for the descriptor. Read-only sessions are opened
// with mode=ro and query_only so neither the file nor an in-memory database
// can be modified.
func dsn(desc models.ConnectionDescriptor, mode accessMode, timeout *time.Duration) (string, error) {
	if desc.Dialect != "" && desc.Dialect != models.DialectSQLite {
		return "", errors.Newf(errors.CodeInvalidInput, "descriptor dialect %q does not match sqlite", desc.Dialect)
	}
	if desc.File == "" {
		return "", errors.New(errors.CodeInvalidInput, "connection descriptor is missing file")
	}

	q := url.Values{}
	for k, v := range desc.Params {
		q.Add(k, v)
	}
	busy := defaultBusyTimeout
	if timeout != nil {
		busy = *timeout
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if mode == modeReadOnly {
		q.Add("_pragma", "query_only(1)")
	}
	if desc.File != memoryFile {
		q.Set("mode", string(mode))
	}

	return "file:" + pathEscaper.Replace(desc.File) + "?" + q.Encode(), nil
}

// session opens the file and pins one connection. The returned cleanup
// closes both.
func (e *engine) session(ctx context.Context, desc models.ConnectionDescriptor, mode accessMode, timeout *time.Duration) (*sql.Conn, func(), error) {
	name, err := dsn(desc, mode, timeout)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Debug().
		Str("target", desc.Redacted()).
		Str("mode", string(mode)).
		Msg("Opening database")

	db, err := sql.Open(driverName, name)
	if err != nil {
		return nil, nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectSQLite), "failed to open database")
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		e.closeDB(db)
		if repositories.TimedOut(ctx, err) {
			return nil, nil, repositories.TimeoutError(models.DialectSQLite, models.ExecutionParams{Timeout: timeout})
		}
		return nil, nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectSQLite), "failed to open database")
	}

	return conn, func() {
		if err := conn.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to release connection")
		}
		e.closeDB(db)
	}, nil
}

func (e *engine) closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close database")
	}
}

// CheckConnectivity opens the file read-only and reads the library version.
func (e *engine) CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (*models.ConnectionSummary, error) {
	conn, cleanup, err := e.session(ctx, desc, modeReadOnly, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var version string
	// Touching sqlite_master surfaces files that are not databases.
	err = conn.QueryRowContext(ctx, "SELECT sqlite_version(), (SELECT count(*) FROM sqlite_master)").Scan(&version, new(int64))
	if err != nil {
		return nil, errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectSQLite), "connectivity probe failed")
	}

	database := memoryFile
	if desc.File != memoryFile {
		database = filepath.Base(desc.File)
	}
	return &models.ConnectionSummary{
		Dialect:         models.DialectSQLite,
		DatabaseVersion: version,
		ServerInfo:      "SQLite " + version,
		Database:        database,
		User:            "N/A",
	}, nil
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
	conn, cleanup, err := e.session(ctx, desc, modeFor(caps), decision.Params.Timeout)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, e.statementError(ctx, err, decision.Params)
	}
	result, err := converter.ReadRows(rows, decision.Params.MaxRows)
	if err != nil {
		return nil, e.statementError(ctx, err, decision.Params)
	}

	if len(result.Columns) == 0 && decision.Category == models.CategoryWrite {
		var affected int64
		if err := conn.QueryRowContext(ctx, "SELECT changes()").Scan(&affected); err != nil {
			return nil, e.statementError(ctx, err, decision.Params)
		}
		result.RowsAffected = &affected
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
func (e *engine) statementError(ctx context.Context, err error, params models.ExecutionParams) error {
	if repositories.TimedOut(ctx, err) {
		return repositories.TimeoutError(models.DialectSQLite, params)
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch primary := sqliteErr.Code() & 0xff; primary {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			if params.Timeout != nil {
				return repositories.TimeoutError(models.DialectSQLite, params)
			}
		case sqlite3.SQLITE_INTERRUPT:
			return repositories.TimeoutError(models.DialectSQLite, params)
		case sqlite3.SQLITE_READONLY:
			return errors.New(errors.CodeCapabilityViolation, "statement attempted to write in a read-only session").
				WithEngine(string(models.DialectSQLite))
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
			return errors.FromDriver(err, errors.CodeConnectionFailed, string(models.DialectSQLite), "database unavailable")
		}
		return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectSQLite), "statement failed").
			WithDetail("sqlite_code", sqliteErr.Code())
	}
	return errors.FromDriver(err, errors.CodeQueryFailed, string(models.DialectSQLite), "statement failed")
}
