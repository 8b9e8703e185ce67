package repositories

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Authorize runs the gate pipeline for an engine call. It validates the
// capability set first, so malformed limits are reported as invalid input.
func Authorize(sql string, c gate.Classifier, caps models.CapabilitySet) (gate.Decision, error) {
	if err := caps.Validate(); err != nil {
		return gate.Decision{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid capability set")
	}
	decision := gate.Evaluate(sql, c, caps)
	if !decision.Permitted {
		return decision, decision.Err()
	}
	return decision, nil
}

// WithTimeout derives the execution context for a permitted statement. The
// returned cancel func must always be called.
func WithTimeout(ctx context.Context, params models.ExecutionParams) (context.Context, context.CancelFunc) {
	if params.Timeout == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, *params.Timeout)
}

// TimeoutMillis converts d to whole milliseconds for server-side limits. It
// rounds up, so a positive timeout never becomes 0, which servers read as no limit.
func TimeoutMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d > time.Duration(ms)*time.Millisecond {
		ms++
	}
	return ms
}

// TimedOut reports whether err, or the execution context, reflects an expired deadline.
func TimedOut(ctx context.Context, err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() == context.DeadlineExceeded
}

// TimeoutError builds the error returned when a statement exceeds its timeout.
func TimeoutError(d models.Dialect, params models.ExecutionParams) error {
	err := errors.New(errors.CodeQueryTimeout, "statement execution exceeded timeout").WithEngine(string(d))
	if params.Timeout != nil {
		err.WithDetail("timeout", params.Timeout.String())
	}
	return err
}

// Elapsed returns the time since start rounded to microseconds.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Microsecond)
}
