// Package gate decides whether a statement may run under a capability set.
//
// The pipeline is strictly ordered: normalize, classify, authorize. Every stage
// is a pure function and safe for concurrent use.
package gate

import (
	"errors"
	"fmt"

	gerrors "github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/sqltext"
)

// Classifier maps a canonical statement of one dialect to its operation category.
// Implementations must be total: anything they do not recognize is DDL.
type Classifier interface {
	// Dialect returns the dialect this classifier understands.
	Dialect() models.Dialect

	// Classify returns the category of the statement.
	Classify(stmt *sqltext.Canonical) models.OperationCategory
}

// Outcome is the result of classifying raw text.
// When Rejection is set the statement was malformed and Category is meaningless.
type Outcome struct {
	Category  models.OperationCategory
	Rejection *sqltext.Rejection
}

// Rejected reports whether the statement could not be classified.
func (o Outcome) Rejected() bool {
	return o.Rejection != nil
}

// Classify normalizes raw for the classifier's dialect and categorizes it.
func Classify(raw string, c Classifier) Outcome {
	stmt, err := sqltext.Normalize(raw, c.Dialect())
	if err != nil {
		var rej *sqltext.Rejection
		if !errors.As(err, &rej) {
			rej = &sqltext.Rejection{Reason: sqltext.RejectEmpty}
		}
		return Outcome{Category: models.CategoryDDL, Rejection: rej}
	}
	return Outcome{Category: c.Classify(stmt)}
}

// Denial explains why a decision was negative. It never carries statement text.
type Denial struct {
	Code     string                    `json:"code"`
	Reason   string                    `json:"reason"`
	Category *models.OperationCategory `json:"category,omitempty"`
	Required string                    `json:"required,omitempty"`
}

// Decision is the gate verdict for one statement.
type Decision struct {
	Permitted bool                     `json:"permitted"`
	Category  models.OperationCategory `json:"category"`
	Params    models.ExecutionParams   `json:"params"`
	Denial    *Denial                  `json:"denial,omitempty"`
}

// Err returns the taxonomy error for a denied decision, or nil when permitted.
func (d Decision) Err() error {
	if d.Permitted || d.Denial == nil {
		return nil
	}
	err := gerrors.New(d.Denial.Code, d.Denial.Reason)
	if d.Denial.Category != nil {
		err.WithDetail("category", d.Denial.Category.String())
	}
	if d.Denial.Required != "" {
		err.WithDetail("required", d.Denial.Required)
	}
	return err
}

// Authorize checks an outcome against the granted capabilities. The execution
// parameters of a permitted decision are copied verbatim from caps.
func Authorize(o Outcome, caps models.CapabilitySet) Decision {
	if o.Rejected() {
		return Decision{
			Category: o.Category,
			Denial: &Denial{
				Code:   gerrors.CodeInvalidInput,
				Reason: o.Rejection.Error(),
			},
		}
	}

	var required string
	switch o.Category {
	case models.CategoryReadOnly:
	case models.CategoryWrite:
		if !caps.CanWrite() {
			required = "allow_write"
		}
	default:
		if !caps.CanDDL() {
			required = "allow_ddl"
		}
	}

	if required != "" {
		category := o.Category
		return Decision{
			Category: o.Category,
			Denial: &Denial{
				Code:     gerrors.CodeCapabilityViolation,
				Reason:   fmt.Sprintf("%s statements require %s", category, required),
				Category: &category,
				Required: required,
			},
		}
	}

	return Decision{
		Permitted: true,
		Category:  o.Category,
		Params:    caps.Params(),
	}
}

// Evaluate runs the full pipeline for raw under caps.
func Evaluate(raw string, c Classifier, caps models.CapabilitySet) Decision {
	return Authorize(Classify(raw, c), caps)
}
