package converter

import (
	"database/sql"

	"github.com/TFMV/sqlgate/pkg/models"
)

// ReadRows drains rows into a result set, stopping after maxRows rows when a
// limit is given. Truncated is set when at least one further row existed.
// rows is always closed.
func ReadRows(rows *sql.Rows, maxRows *int) (*models.ResultSet, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	dbTypes := make([]string, len(types))
	for i, ct := range types {
		dbTypes[i] = ct.DatabaseTypeName()
	}

	result := &models.ResultSet{
		Columns: columns,
		Rows:    make([]map[string]interface{}, 0),
	}

	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if maxRows != nil && len(result.Rows) >= *maxRows {
			result.Truncated = true
			break
		}
		if len(columns) == 0 {
			continue
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			row[name] = Value(values[i], dbTypes[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
