// Package services wires the gate, the engines and the ambient concerns
// (logging, metrics, panic recovery) behind the three front-end operations.
package services

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// Decision outcomes used as metric labels.
const (
	outcomePermitted = "permitted"
	outcomeDenied    = "denied"
	outcomeRejected  = "rejected"
)

// GateService runs gated operations against registered engines. It holds no
// per-call state and is safe for concurrent use.
type GateService struct {
	registry *repositories.Registry
	logger   zerolog.Logger
	metrics  metrics.Collector
}

// NewGateService creates a new gate service.
func NewGateService(registry *repositories.Registry, logger zerolog.Logger, collector metrics.Collector) *GateService {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &GateService{
		registry: registry,
		logger:   logger,
		metrics:  collector,
	}
}

// invocation scopes logging and panic recovery to one call.
type invocation struct {
	id      string
	dialect models.Dialect
	logger  zerolog.Logger
}

func (s *GateService) begin(operation string, d models.Dialect) invocation {
	id := uuid.NewString()
	return invocation{
		id:      id,
		dialect: d,
		logger: s.logger.With().
			Str("invocation_id", id).
			Str("operation", operation).
			Str("dialect", string(d)).
			Logger(),
	}
}

// finish records the error metric and logs the outcome. It must be deferred
// so that it also sees recovered panics.
func (s *GateService) finish(inv invocation, errp *error) {
	if r := recover(); r != nil {
		inv.logger.Error().
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("Panic recovered")
		*errp = errors.Newf(errors.CodeEngineError, "internal error in %s engine", inv.dialect).
			WithEngine(string(inv.dialect))
	}

	err := *errp
	if err == nil {
		return
	}
	code := errors.GetCode(err)
	s.metrics.IncrementCounter(metrics.Errors, "dialect", string(inv.dialect), "code", code)

	event := inv.logger.Warn()
	if code == errors.CodeEngineError {
		event = inv.logger.Error()
	}
	event.Str("code", code).Msg(errors.GetMessage(err))
}

func (s *GateService) engine(d models.Dialect) (repositories.Engine, error) {
	if d == "" {
		return nil, errors.New(errors.CodeInvalidInput, "connection descriptor has no dialect")
	}
	return s.registry.Get(d)
}

// CheckConnectivity probes the database described by desc.
func (s *GateService) CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (summary *models.ConnectionSummary, err error) {
	inv := s.begin("connect", desc.Dialect)
	defer s.finish(inv, &err)

	eng, err := s.engine(desc.Dialect)
	if err != nil {
		return nil, err
	}

	inv.logger.Debug().Str("target", desc.Redacted()).Msg("Checking connectivity")
	summary, err = eng.CheckConnectivity(ctx, desc)
	if err != nil {
		return nil, err
	}
	inv.logger.Info().Str("version", summary.DatabaseVersion).Msg("Connected")
	return summary, nil
}

// DescribeSchema introspects the database described by desc.
func (s *GateService) DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (snapshot *models.SchemaSnapshot, err error) {
	inv := s.begin("introspect", desc.Dialect)
	defer s.finish(inv, &err)

	eng, err := s.engine(desc.Dialect)
	if err != nil {
		return nil, err
	}

	snapshot, err = eng.DescribeSchema(ctx, desc, scope)
	if err != nil {
		return nil, err
	}
	inv.logger.Info().Int("tables", len(snapshot.Tables)).Msg("Schema described")
	return snapshot, nil
}

// Evaluate runs the gate pipeline without touching a database.
func (s *GateService) Evaluate(d models.Dialect, sql string, caps models.CapabilitySet) (decision gate.Decision, err error) {
	inv := s.begin("evaluate", d)
	defer s.finish(inv, &err)

	eng, err := s.engine(d)
	if err != nil {
		return gate.Decision{}, err
	}
	decision, err = repositories.Authorize(sql, eng.Classifier(), caps)
	s.recordDecision(inv, decision, err)
	return decision, err
}

// RunStatement gates sql under caps and executes it when permitted. A
// denied statement is reported without contacting the database.
func (s *GateService) RunStatement(ctx context.Context, desc models.ConnectionDescriptor, sql string, caps models.CapabilitySet) (result *models.ResultSet, err error) {
	inv := s.begin("query", desc.Dialect)
	defer s.finish(inv, &err)

	eng, err := s.engine(desc.Dialect)
	if err != nil {
		return nil, err
	}

	decision, err := repositories.Authorize(sql, eng.Classifier(), caps)
	s.recordDecision(inv, decision, err)
	if err != nil {
		return nil, err
	}

	timer := s.metrics.StartTimer()
	result, err = eng.RunStatement(ctx, desc, sql, caps)
	elapsed := timer.Stop()
	s.metrics.RecordHistogram(metrics.ExecutionSeconds, elapsed, "dialect", string(desc.Dialect), "category", decision.Category.String())
	if err != nil {
		return nil, err
	}

	s.metrics.RecordHistogram(metrics.ResultRows, float64(len(result.Rows)), "dialect", string(desc.Dialect))
	inv.logger.Info().
		Str("category", result.Category.String()).
		Int("rows", len(result.Rows)).
		Bool("truncated", result.Truncated).
		Int64("execution_ms", result.ExecutionMS).
		Msg("Statement executed")
	return result, nil
}

func (s *GateService) recordDecision(inv invocation, decision gate.Decision, err error) {
	outcome := outcomePermitted
	switch {
	case err == nil:
	case errors.IsCapabilityViolation(err):
		outcome = outcomeDenied
	default:
		outcome = outcomeRejected
	}

	category := decision.Category.String()
	if outcome == outcomeRejected {
		category = "NONE"
	}
	s.metrics.IncrementCounter(metrics.Decisions,
		"dialect", string(inv.dialect),
		"category", category,
		"outcome", outcome,
	)

	inv.logger.Debug().
		Str("category", category).
		Str("outcome", outcome).
		Msg(fmt.Sprintf("Statement %s", outcome))
}
