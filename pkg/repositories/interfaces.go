// Package repositories defines the execution contract every dialect engine satisfies.
package repositories

import (
	"context"

	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Engine executes gated work against one dialect. Engines hold no connection
// state: every call opens its own connection and closes it before returning.
type Engine interface {
	// Dialect returns the dialect this engine serves.
	Dialect() models.Dialect
	// Classifier returns the statement classifier for this dialect.
	Classifier() gate.Classifier
	// CheckConnectivity opens, probes and closes a connection.
	CheckConnectivity(ctx context.Context, desc models.ConnectionDescriptor) (*models.ConnectionSummary, error)
	// DescribeSchema enumerates tables, columns, keys and indexes. An empty
	// scope means the engine default.
	DescribeSchema(ctx context.Context, desc models.ConnectionDescriptor, scope string) (*models.SchemaSnapshot, error)
	// RunStatement gates sql under caps and, when permitted, executes it with
	// the attached row limit and timeout. A denied statement never reaches
	// the database.
	RunStatement(ctx context.Context, desc models.ConnectionDescriptor, sql string, caps models.CapabilitySet) (*models.ResultSet, error)
}
