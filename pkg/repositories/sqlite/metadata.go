package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

const (
	tablesQuery = `SELECT name FROM %s.sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite\_%%' ESCAPE '\'
ORDER BY name`

	columnsQuery     = `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?, ?) ORDER BY cid`
	foreignKeysQuery = `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?, ?) ORDER BY id, seq`
	indexListQuery   = `SELECT name, "unique" FROM pragma_index_list(?, ?) WHERE origin <> 'pk' ORDER BY name`
	indexInfoQuery   = `SELECT name FROM pragma_index_info(?, ?) ORDER BY seqno`
)

// schemaNames are the schemas a fresh connection can see.
var schemaNames = map[string]bool{"main": true, "temp": true}

// DescribeSchema introspects the main or temp schema of the file.
func (e *engine) DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (*models.SchemaSnapshot, error) {
	schema := scope
	if schema == "" {
		schema = "main"
	}
	if !schemaNames[schema] {
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown sqlite schema %q; use main or temp", scope).
			WithEngine(string(models.DialectSQLite))
	}

	conn, cleanup, err := e.session(ctx, desc, modeReadOnly, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	snapshot := &models.SchemaSnapshot{
		Dialect:  models.DialectSQLite,
		Database: desc.File,
		Scope:    scope,
		Tables:   make([]models.Table, 0),
	}

	names, err := tableNames(ctx, conn, schema)
	if err != nil {
		return nil, e.introspectionError(err, "failed to list tables")
	}

	for _, name := range names {
		table, err := describeTable(ctx, conn, schema, name)
		if err != nil {
			return nil, e.introspectionError(err, "failed to describe table "+name)
		}
		snapshot.Tables = append(snapshot.Tables, *table)
	}

	e.logger.Debug().
		Str("schema", schema).
		Int("tables", len(snapshot.Tables)).
		Msg("Schema described")

	return snapshot, nil
}

func tableNames(ctx context.Context, conn *sql.Conn, schema string) ([]string, error) {
	// schema is one of schemaNames, never caller text.
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(tablesQuery, schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func describeTable(ctx context.Context, conn *sql.Conn, schema, name string) (*models.Table, error) {
	table := &models.Table{Schema: schema, Name: name, Columns: make([]models.Column, 0)}

	pk := map[int]string{}
	err := each(ctx, conn, columnsQuery, []interface{}{name, schema}, func(rows *sql.Rows) error {
		var col models.Column
		var notNull, pkPos int
		var def sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &notNull, &def, &pkPos); err != nil {
			return err
		}
		col.Nullable = notNull == 0
		if def.Valid {
			col.Default = &def.String
		}
		if pkPos > 0 {
			pk[pkPos] = col.Name
		}
		table.Columns = append(table.Columns, col)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i <= len(pk); i++ {
		table.PrimaryKey = append(table.PrimaryKey, pk[i])
	}

	lastID := -1
	err = each(ctx, conn, foreignKeysQuery, []interface{}{name, schema}, func(rows *sql.Rows) error {
		var id int
		var refTable, from string
		var to sql.NullString
		if err := rows.Scan(&id, &refTable, &from, &to); err != nil {
			return err
		}
		if id != lastID {
			table.ForeignKeys = append(table.ForeignKeys, models.ForeignKey{ReferencedTable: refTable})
			lastID = id
		}
		fk := &table.ForeignKeys[len(table.ForeignKeys)-1]
		fk.Columns = append(fk.Columns, from)
		// A NULL target means the referenced table's primary key.
		fk.ReferencedColumns = append(fk.ReferencedColumns, to.String)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = each(ctx, conn, indexListQuery, []interface{}{name, schema}, func(rows *sql.Rows) error {
		var idx models.Index
		var unique int
		if err := rows.Scan(&idx.Name, &unique); err != nil {
			return err
		}
		idx.Unique = unique == 1
		table.Indexes = append(table.Indexes, idx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range table.Indexes {
		idx := &table.Indexes[i]
		err = each(ctx, conn, indexInfoQuery, []interface{}{idx.Name, schema}, func(rows *sql.Rows) error {
			var col sql.NullString
			if err := rows.Scan(&col); err != nil {
				return err
			}
			if col.Valid {
				idx.Columns = append(idx.Columns, col.String)
			} else {
				idx.Columns = append(idx.Columns, "(expression)")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

func each(ctx context.Context, conn *sql.Conn, query string, args []interface{}, fn func(*sql.Rows) error) error {
	rows, err := conn.QueryContext(ctx, query, args...)
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

func (e *engine) introspectionError(err error, message string) error {
	return errors.FromDriver(err, errors.CodeEngineError, string(models.DialectSQLite), message)
}
