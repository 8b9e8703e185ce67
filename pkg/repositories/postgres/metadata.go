package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// schemaFilter restricts catalog queries to the requested schema, or to every
// user schema when $1 is empty.
const schemaFilter = `((($1::text = '') AND n.nspname <> 'information_schema' AND n.nspname !~ '^pg_') OR n.nspname = $1::text)`

const (
	tablesQuery = `
SELECT n.nspname, c.relname
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p') AND ` + schemaFilter + `
ORDER BY n.nspname, c.relname`

	columnsQuery = `
SELECT n.nspname, c.relname, a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull, pg_get_expr(d.adbin, d.adrelid)
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
WHERE a.attnum > 0 AND NOT a.attisdropped AND c.relkind IN ('r', 'p') AND ` + schemaFilter + `
ORDER BY n.nspname, c.relname, a.attnum`

	primaryKeysQuery = `
SELECT n.nspname, c.relname,
       ARRAY(SELECT a.attname FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
             ORDER BY k.ord)::text[]
FROM pg_constraint con
JOIN pg_class c ON c.oid = con.conrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE con.contype = 'p' AND ` + schemaFilter

	foreignKeysQuery = `
SELECT n.nspname, c.relname, con.conname,
       ARRAY(SELECT a.attname FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
             ORDER BY k.ord)::text[],
       CASE WHEN rn.nspname = n.nspname THEN rc.relname ELSE rn.nspname || '.' || rc.relname END,
       ARRAY(SELECT a.attname FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
             ORDER BY k.ord)::text[]
FROM pg_constraint con
JOIN pg_class c ON c.oid = con.conrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
JOIN pg_class rc ON rc.oid = con.confrelid
JOIN pg_namespace rn ON rn.oid = rc.relnamespace
WHERE con.contype = 'f' AND ` + schemaFilter + `
ORDER BY n.nspname, c.relname, con.conname`

	indexesQuery = `
SELECT n.nspname, t.relname, i.relname, ix.indisunique,
       ARRAY(SELECT pg_get_indexdef(ix.indexrelid, k, true)
             FROM generate_series(1, ix.indnkeyatts) AS k
             ORDER BY k)::text[]
FROM pg_index ix
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
WHERE NOT ix.indisprimary AND t.relkind IN ('r', 'p') AND ` + schemaFilter + `
ORDER BY n.nspname, t.relname, i.relname`
)

// DescribeSchema introspects every table in scope over a read-only session.
func (e *engine) DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (*models.SchemaSnapshot, error) {
	conn, err := e.connect(ctx, desc, sessionOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	defer e.close(conn)

	snapshot := &models.SchemaSnapshot{
		Dialect: models.DialectPostgres,
		Scope:   scope,
		Tables:  make([]models.Table, 0),
	}
	if err := conn.QueryRow(ctx, "SELECT current_database()").Scan(&snapshot.Database); err != nil {
		return nil, e.introspectionError(err, desc, "failed to read current database")
	}

	index := make(map[string]int)
	lookup := func(schema, table string) *models.Table {
		if i, ok := index[schema+"."+table]; ok {
			return &snapshot.Tables[i]
		}
		return nil
	}

	err = eachRow(ctx, conn, tablesQuery, scope, func(rows pgx.Rows) error {
		var t models.Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return err
		}
		t.Columns = make([]models.Column, 0)
		index[t.Schema+"."+t.Name] = len(snapshot.Tables)
		snapshot.Tables = append(snapshot.Tables, t)
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list tables")
	}

	err = eachRow(ctx, conn, columnsQuery, scope, func(rows pgx.Rows) error {
		var schema, table string
		var col models.Column
		if err := rows.Scan(&schema, &table, &col.Name, &col.DataType, &col.Nullable, &col.Default); err != nil {
			return err
		}
		if t := lookup(schema, table); t != nil {
			t.Columns = append(t.Columns, col)
		}
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list columns")
	}

	err = eachRow(ctx, conn, primaryKeysQuery, scope, func(rows pgx.Rows) error {
		var schema, table string
		var cols []string
		if err := rows.Scan(&schema, &table, &cols); err != nil {
			return err
		}
		if t := lookup(schema, table); t != nil {
			t.PrimaryKey = cols
		}
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list primary keys")
	}

	err = eachRow(ctx, conn, foreignKeysQuery, scope, func(rows pgx.Rows) error {
		var schema, table string
		var fk models.ForeignKey
		if err := rows.Scan(&schema, &table, &fk.Name, &fk.Columns, &fk.ReferencedTable, &fk.ReferencedColumns); err != nil {
			return err
		}
		if t := lookup(schema, table); t != nil {
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list foreign keys")
	}

	err = eachRow(ctx, conn, indexesQuery, scope, func(rows pgx.Rows) error {
		var schema, table string
		var idx models.Index
		if err := rows.Scan(&schema, &table, &idx.Name, &idx.Unique, &idx.Columns); err != nil {
			return err
		}
		if t := lookup(schema, table); t != nil {
			t.Indexes = append(t.Indexes, idx)
		}
		return nil
	})
	if err != nil {
		return nil, e.introspectionError(err, desc, "failed to list indexes")
	}

	e.logger.Debug().
		Str("scope", scope).
		Int("tables", len(snapshot.Tables)).
		Msg("Schema described")

	return snapshot, nil
}

func eachRow(ctx context.Context, conn *pgx.Conn, query, scope string, fn func(pgx.Rows) error) error {
	rows, err := conn.Query(ctx, query, scope)
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
	return errors.FromDriver(err, errors.CodeEngineError, string(models.DialectPostgres), message, desc.Password)
}
