//go:build integration

package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

var fixture = []string{
	`CREATE TABLE customers (
		id    INT PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE
	)`,
	`CREATE TABLE orders (
		id          INT AUTO_INCREMENT PRIMARY KEY,
		customer_id INT NOT NULL,
		status      VARCHAR(32) NOT NULL DEFAULT 'new',
		total       DECIMAL(10, 2),
		CONSTRAINT fk_orders_customer FOREIGN KEY (customer_id) REFERENCES customers (id),
		INDEX idx_orders_status (status)
	)`,
	`INSERT INTO customers VALUES (1, 'ada@example.com')`,
	`INSERT INTO orders (customer_id, total) VALUES (1, 1), (1, 2), (1, 3), (1, 4), (1, 5)`,
}

// startMySQL runs a disposable server seeded with the fixture schema.
func startMySQL(t *testing.T) models.ConnectionDescriptor {
	t.Helper()
	ctx := context.Background()

	container, err := tcmysql.Run(ctx,
		"mysql:8.4",
		tcmysql.WithDatabase("shop"),
		tcmysql.WithUsername("agent"),
		tcmysql.WithPassword("s3cret-pw"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	desc := models.ConnectionDescriptor{
		Dialect:  models.DialectMySQL,
		Host:     host,
		Port:     port.Int(),
		User:     "agent",
		Password: "s3cret-pw",
		Database: "shop",
	}

	e := NewEngine(zerolog.Nop()).(*engine)
	conn, cleanup, err := e.session(ctx, desc, sessionOptions{})
	require.NoError(t, err)
	defer cleanup()
	for _, stmt := range fixture {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return desc
}

func TestIntegration_Engine(t *testing.T) {
	desc := startMySQL(t)
	eng := NewEngine(zerolog.New(zerolog.NewTestWriter(t)))
	ctx := context.Background()

	t.Run("connectivity", func(t *testing.T) {
		summary, err := eng.CheckConnectivity(ctx, desc)
		require.NoError(t, err)
		assert.Equal(t, "shop", summary.Database)
		assert.Contains(t, summary.User, "agent@")
		assert.Contains(t, summary.ServerInfo, "MySQL 8.4")
	})

	t.Run("read with limit", func(t *testing.T) {
		limit := 3
		result, err := eng.RunStatement(ctx, desc, "SELECT id, total FROM orders ORDER BY id", models.CapabilitySet{MaxRows: &limit})
		require.NoError(t, err)
		assert.True(t, result.Truncated)
		require.Len(t, result.Rows, 3)
		assert.Equal(t, []string{"id", "total"}, result.Columns)
	})

	t.Run("read-only session", func(t *testing.T) {
		conn, cleanup, err := eng.(*engine).session(ctx, desc, sessionOptions{readOnly: true})
		require.NoError(t, err)
		defer cleanup()
		_, err = conn.ExecContext(ctx, "DELETE FROM orders")
		require.Error(t, err)
		assert.True(t, errors.IsCapabilityViolation(eng.(*engine).statementError(ctx, err, desc, models.ExecutionParams{})))
	})

	t.Run("write", func(t *testing.T) {
		result, err := eng.RunStatement(ctx, desc, "UPDATE orders SET status = 'shipped' WHERE total > 3", models.CapabilitySet{AllowWrite: true})
		require.NoError(t, err)
		require.NotNil(t, result.RowsAffected)
		assert.Equal(t, int64(2), *result.RowsAffected)
	})

	t.Run("ddl", func(t *testing.T) {
		_, err := eng.RunStatement(ctx, desc, "CREATE TABLE audit (id INT)", models.CapabilitySet{AllowWrite: true})
		require.Error(t, err)
		assert.True(t, errors.IsCapabilityViolation(err))

		_, err = eng.RunStatement(ctx, desc, "CREATE TABLE audit (id INT)", models.CapabilitySet{AllowDDL: true})
		require.NoError(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		timeout := 200 * time.Millisecond
		start := time.Now()
		_, err := eng.RunStatement(ctx, desc, "SELECT COUNT(*) FROM information_schema.columns a, information_schema.columns b, information_schema.columns c", models.CapabilitySet{Timeout: &timeout})
		require.Error(t, err)
		assert.True(t, errors.IsTimeout(err))
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("failure never leaks password", func(t *testing.T) {
		bad := desc
		bad.Password = "wrong-" + desc.Password
		_, err := eng.CheckConnectivity(ctx, bad)
		require.Error(t, err)
		assert.Equal(t, errors.CodeConnectionFailed, errors.GetCode(err))
		assert.NotContains(t, err.Error(), bad.Password)
	})

	t.Run("describe schema", func(t *testing.T) {
		snapshot, err := eng.DescribeSchema(ctx, desc, "")
		require.NoError(t, err)
		assert.Equal(t, "shop", snapshot.Database)

		orders := snapshot.FindTable("orders")
		require.NotNil(t, orders)
		assert.Equal(t, []string{"id"}, orders.PrimaryKey)
		require.Len(t, orders.ForeignKeys, 1)
		assert.Equal(t, "fk_orders_customer", orders.ForeignKeys[0].Name)
		assert.Equal(t, "customers", orders.ForeignKeys[0].ReferencedTable)

		var names []string
		for _, idx := range orders.Indexes {
			names = append(names, idx.Name)
		}
		assert.Contains(t, names, "idx_orders_status")
	})
}
