package converter

import (
	"database/sql/driver"
	"math"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type valuer struct{ v driver.Value }

func (v valuer) Value() (driver.Value, error) { return v.v, nil }

func TestValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	tests := []struct {
		name     string
		in       interface{}
		dbType   string
		expected interface{}
	}{
		{name: "nil", in: nil, expected: nil},
		{name: "text bytes", in: []byte("hello"), dbType: "VARCHAR", expected: "hello"},
		{name: "blob bytes", in: []byte("hello"), dbType: "BLOB", expected: "aGVsbG8="},
		{name: "invalid utf8", in: []byte{0xff, 0xfe}, dbType: "", expected: "//4="},
		{name: "int", in: int64(42), expected: int64(42)},
		{name: "float", in: 1.5, expected: 1.5},
		{name: "nan", in: math.NaN(), expected: "NaN"},
		{name: "inf", in: math.Inf(1), expected: "+Inf"},
		{name: "time", in: ts, expected: "2024-03-01T12:30:00Z"},
		{name: "uuid array", in: [16]byte(id), expected: id.String()},
		{name: "big int", in: big.NewInt(12345), expected: "12345"},
		{name: "valuer", in: valuer{v: "12.50"}, expected: "12.50"},
		{name: "nested", in: []interface{}{[]byte("a"), nil}, expected: []interface{}{"a", nil}},
		{name: "map", in: map[string]interface{}{"t": ts}, expected: map[string]interface{}{"t": "2024-03-01T12:30:00Z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Value(tt.in, tt.dbType))
		})
	}
}

func TestIsBinaryType(t *testing.T) {
	assert.True(t, IsBinaryType("blob"))
	assert.True(t, IsBinaryType("VARBINARY"))
	assert.False(t, IsBinaryType("TEXT"))
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT", int64(0)),
		sqlmock.NewColumn("name").OfType("VARCHAR", ""),
	)
}

func TestReadRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := "SELECT id, name FROM users"

	t.Run("no limit", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(
			userRows().
				AddRow(1, "a").
				AddRow(2, "b"),
		)

		rows, err := db.Query(query)
		require.NoError(t, err)

		result, err := ReadRows(rows, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, result.Columns)
		assert.Len(t, result.Rows, 2)
		assert.False(t, result.Truncated)
		assert.Equal(t, "b", result.Rows[1]["name"])
	})

	t.Run("limit truncates", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(
			userRows().
				AddRow(1, "a").
				AddRow(2, "b").
				AddRow(3, "c"),
		)

		rows, err := db.Query(query)
		require.NoError(t, err)

		limit := 2
		result, err := ReadRows(rows, &limit)
		require.NoError(t, err)
		assert.Len(t, result.Rows, 2)
		assert.True(t, result.Truncated)
	})

	t.Run("limit equal to size", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(
			userRows().AddRow(1, "a"),
		)

		rows, err := db.Query(query)
		require.NoError(t, err)

		limit := 1
		result, err := ReadRows(rows, &limit)
		require.NoError(t, err)
		assert.Len(t, result.Rows, 1)
		assert.False(t, result.Truncated)
	})

	t.Run("zero limit", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(
			userRows().AddRow(1, "a"),
		)

		rows, err := db.Query(query)
		require.NoError(t, err)

		limit := 0
		result, err := ReadRows(rows, &limit)
		require.NoError(t, err)
		assert.Empty(t, result.Rows)
		assert.True(t, result.Truncated)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
