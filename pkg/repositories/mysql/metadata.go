package mysql

import (
	"context"
	"database/sql"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

const (
	tablesQuery = `SELECT TABLE_NAME FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`

	columnsQuery = `SELECT TABLE_NAME, COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME, ORDINAL_POSITION`

	keysQuery = `SELECT TABLE_NAME, CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_SCHEMA, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = ? AND (CONSTRAINT_NAME = 'PRIMARY' OR REFERENCED_TABLE_NAME IS NOT NULL)
ORDER BY TABLE_NAME, CONSTRAINT_NAME, ORDINAL_POSITION`

	indexesQuery = `SELECT TABLE_NAME, INDEX_NAME, NON_UNIQUE, COLUMN_NAME
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = ? AND INDEX_NAME <> 'PRIMARY'
ORDER BY TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX`
)

// DescribeSchema introspects one database. An empty scope means the database
// selected by the descriptor.
func (e *engine) DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (*models.SchemaSnapshot, error) {
	conn, cleanup, err := e.session(ctx, desc, sessionOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	schema := scope
	if schema == "" {
		var current sql.NullString
		if err := conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err != nil {
			return nil, e.introspectionError(err, desc, "failed to read current database")
		}
		if !current.Valid || current.String == "" {
			return nil, errors.New(errors.CodeInvalidInput, "no database selected; set database or pass a scope").
				WithEngine(string(models.DialectMySQL))
		}
		schema = current.String
	}

	snapshot := &models.SchemaSnapshot{
		Dialect:  models.DialectMySQL,
		Database: schema,
		Scope:    scope,
		Tables:   make([]models.Table, 0),
	}
	index := make(map[string]int)
	lookup := func(table string) *models.Table {
		if i, ok := index[table]; ok {
			return &snapshot.Tables[i]
		}
		return nil
	}

	err = eachRow(ctx, conn, tablesQuery, schema, func(rows *sql.Rows) error {
		t := models.Table{Schema: schema, Columns: make([]models.Column, 0)}
		if err := rows.Scan(&t.Name); err != nil {
			return err
		}
		index[t.Name] = len(snapshot.Tables)
		snapshot.Tables = append(snapshot.Tables, t)
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list tables")
	}

	err = eachRow(ctx, conn, columnsQuery, schema, func(rows *sql.Rows) error {
		var table, nullable string
		var def sql.NullString
		var col models.Column
		if err := rows.Scan(&table, &col.Name, &col.DataType, &nullable, &def); err != nil {
			return err
		}
		col.Nullable = nullable == "YES"
		if def.Valid {
			col.Default = &def.String
		}
		if t := lookup(table); t != nil {
			t.Columns = append(t.Columns, col)
		}
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list columns")
	}

	err = eachRow(ctx, conn, keysQuery, schema, func(rows *sql.Rows) error {
		var table, constraint, column string
		var refSchema, refTable, refColumn sql.NullString
		if err := rows.Scan(&table, &constraint, &column, &refSchema, &refTable, &refColumn); err != nil {
			return err
		}
		t := lookup(table)
		if t == nil {
			return nil
		}
		if constraint == "PRIMARY" {
			t.PrimaryKey = append(t.PrimaryKey, column)
			return nil
		}

		referenced := refTable.String
		if refSchema.Valid && refSchema.String != schema {
			referenced = refSchema.String + "." + referenced
		}
		n := len(t.ForeignKeys)
		if n == 0 || t.ForeignKeys[n-1].Name != constraint {
			t.ForeignKeys = append(t.ForeignKeys, models.ForeignKey{Name: constraint, ReferencedTable: referenced})
			n++
		}
		fk := &t.ForeignKeys[n-1]
		fk.Columns = append(fk.Columns, column)
		fk.ReferencedColumns = append(fk.ReferencedColumns, refColumn.String)
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list keys")
	}

	err = eachRow(ctx, conn, indexesQuery, schema, func(rows *sql.Rows) error {
		var table, name string
		var nonUnique int
		var column sql.NullString
		if err := rows.Scan(&table, &name, &nonUnique, &column); err != nil {
			return err
		}
		t := lookup(table)
		if t == nil {
			return nil
		}
		// Functional index parts have no column name.
		part := column.String
		if !column.Valid {
			part = "(expression)"
		}
		n := len(t.Indexes)
		if n == 0 || t.Indexes[n-1].Name != name {
			t.Indexes = append(t.Indexes, models.Index{Name: name, Unique: nonUnique == 0})
			n++
		}
		t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, part)
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list indexes")
	}

	e.logger.Debug().
		Str("schema", schema).
		Int("tables", len(snapshot.Tables)).
		Msg("Schema described")

	return snapshot, nil
}

func eachRow(ctx context.Context, conn *sql.Conn, query, schema string, fn func(*sql.Rows) error) error {
	rows, err := conn.QueryContext(ctx, query, schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (e *engine) introspectionError(err error, desc models.ConnectionDescriptor, message string) error {
	if gerr, ok := err.(*errors.GateError); ok {
		return gerr
	}
	return errors.FromDriver(err, errors.CodeEngineError, string(models.DialectMySQL), message, desc.Password)
}
