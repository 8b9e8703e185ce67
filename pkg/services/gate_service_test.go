package services

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
	"github.com/TFMV/sqlgate/pkg/repositories/postgres"
	"github.com/TFMV/sqlgate/pkg/repositories/sqlite"
)

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	calls  atomic.Int32
	result *models.ResultSet
	err    error
	panic  bool
}

func (f *fakeEngine) Dialect() models.Dialect     { return models.DialectPostgres }
func (f *fakeEngine) Classifier() gate.Classifier { return postgres.NewClassifier() }

func (f *fakeEngine) CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (*models.ConnectionSummary, error) {
	f.calls.Add(1)
	if f.panic {
		panic("driver exploded")
	}
	return &models.ConnectionSummary{Dialect: models.DialectPostgres, DatabaseVersion: "16.2"}, f.err
}

func (f *fakeEngine) DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (*models.SchemaSnapshot, error) {
	f.calls.Add(1)
	return &models.SchemaSnapshot{Dialect: models.DialectPostgres, Scope: scope}, f.err
}

func (f *fakeEngine) RunStatement(ctx context.Context, desc models.ConnectionDescriptor, sql string, caps models.CapabilitySet) (*models.ResultSet, error) {
	f.calls.Add(1)
	if f.panic {
		panic("driver exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

var pgDesc = models.ConnectionDescriptor{Dialect: models.DialectPostgres, Host: "db", User: "agent", Database: "prod"}

func newService(t *testing.T, engines ...repositories.Engine) (*GateService, *metrics.PrometheusCollector) {
	collector := metrics.NewPrometheusCollector()
	return NewGateService(repositories.NewRegistry(engines...), zerolog.New(zerolog.NewTestWriter(t)), collector), collector
}

func TestRunStatement_DeniedNeverReachesEngine(t *testing.T) {
	eng := &fakeEngine{}
	svc, collector := newService(t, eng)

	_, err := svc.RunStatement(context.Background(), pgDesc, "UPDATE users SET x = 1", models.CapabilitySet{})
	require.Error(t, err)
	assert.True(t, errors.IsCapabilityViolation(err))

	_, err = svc.RunStatement(context.Background(), pgDesc, "SELECT 1; SELECT 2", models.CapabilitySet{AllowDDL: true})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidInput(err))

	assert.Zero(t, eng.calls.Load())

	decisions, err := testutil.GatherAndCount(collector.Registry(), "sqlgate_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, decisions)
	errs, err := testutil.GatherAndCount(collector.Registry(), "sqlgate_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, errs)
}

func TestRunStatement_Permitted(t *testing.T) {
	eng := &fakeEngine{result: &models.ResultSet{
		Category: models.CategoryWrite,
		Columns:  []string{},
		Rows:     []map[string]interface{}{},
	}}
	svc, collector := newService(t, eng)

	result, err := svc.RunStatement(context.Background(), pgDesc, "INSERT INTO t VALUES (1)", models.CapabilitySet{AllowWrite: true})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryWrite, result.Category)
	assert.Equal(t, int32(1), eng.calls.Load())

	count, err := testutil.GatherAndCount(collector.Registry(), "sqlgate_execution_seconds", "sqlgate_result_rows")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunStatement_EngineErrorPassesThrough(t *testing.T) {
	eng := &fakeEngine{err: errors.New(errors.CodeQueryTimeout, "statement execution exceeded timeout")}
	svc, _ := newService(t, eng)

	_, err := svc.RunStatement(context.Background(), pgDesc, "SELECT pg_sleep(10)", models.CapabilitySet{})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestPanicsBecomeEngineErrors(t *testing.T) {
	eng := &fakeEngine{panic: true}
	svc, _ := newService(t, eng)

	_, err := svc.RunStatement(context.Background(), pgDesc, "SELECT 1", models.CapabilitySet{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeEngineError, errors.GetCode(err))

	_, err = svc.CheckConnectivity(context.Background(), pgDesc)
	require.Error(t, err)
	assert.Equal(t, errors.CodeEngineError, errors.GetCode(err))
}

func TestUnknownDialect(t *testing.T) {
	svc, _ := newService(t, &fakeEngine{})

	_, err := svc.CheckConnectivity(context.Background(), models.ConnectionDescriptor{Dialect: models.DialectMySQL})
	assert.True(t, errors.IsInvalidInput(err))

	_, err = svc.DescribeSchema(context.Background(), models.ConnectionDescriptor{}, "")
	assert.True(t, errors.IsInvalidInput(err))
}

func TestEvaluate(t *testing.T) {
	eng := &fakeEngine{}
	svc, _ := newService(t, eng)

	caps := models.CapabilitySet{AllowWrite: true}
	decision, err := svc.Evaluate(models.DialectPostgres, "DELETE FROM sessions", caps)
	require.NoError(t, err)
	assert.True(t, decision.Permitted)
	assert.Equal(t, models.CategoryWrite, decision.Category)

	decision, err = svc.Evaluate(models.DialectPostgres, "DROP TABLE sessions", caps)
	require.Error(t, err)
	assert.False(t, decision.Permitted)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, "allow_ddl", decision.Denial.Required)

	assert.Zero(t, eng.calls.Load())
}

func TestDescribeSchema_PassesScope(t *testing.T) {
	svc, _ := newService(t, &fakeEngine{})

	snapshot, err := svc.DescribeSchema(context.Background(), pgDesc, "analytics")
	require.NoError(t, err)
	assert.Equal(t, "analytics", snapshot.Scope)
}

func TestEndToEndWithSQLite(t *testing.T) {
	svc, _ := newService(t, sqlite.NewEngine(zerolog.Nop()))
	desc := models.ConnectionDescriptor{Dialect: models.DialectSQLite, File: filepath.Join(t.TempDir(), "e2e.db")}
	ctx := context.Background()

	_, err := svc.RunStatement(ctx, desc, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)", models.CapabilitySet{AllowWrite: true})
	require.Error(t, err, "write does not imply ddl")
	assert.True(t, errors.IsCapabilityViolation(err))

	_, err = svc.RunStatement(ctx, desc, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)", models.CapabilitySet{AllowDDL: true})
	require.NoError(t, err)

	result, err := svc.RunStatement(ctx, desc, "INSERT INTO notes (body) VALUES ('a'), ('b')", models.CapabilitySet{AllowWrite: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), *result.RowsAffected)

	result, err = svc.RunStatement(ctx, desc, "SELECT body FROM notes ORDER BY id", models.CapabilitySet{})
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"body": "a"}, {"body": "b"}}, result.Rows)

	snapshot, err := svc.DescribeSchema(ctx, desc, "")
	require.NoError(t, err)
	require.NotNil(t, snapshot.FindTable("notes"))

	summary, err := svc.CheckConnectivity(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, "e2e.db", summary.Database)
}
