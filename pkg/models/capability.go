// Package models provides data structures used throughout the gate and its engines.
package models

import (
	"fmt"
	"time"
)

// Dialect identifies a SQL engine family.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Dialects lists every supported dialect.
var Dialects = []Dialect{DialectPostgres, DialectMySQL, DialectSQLite}

// ParseDialect resolves a dialect name, accepting a few common aliases.
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", name)
	}
}

// OperationCategory is the privilege class of a statement.
type OperationCategory int

const (
	CategoryReadOnly OperationCategory = iota
	CategoryWrite
	CategoryDDL
)

// String returns the string representation of the category.
func (c OperationCategory) String() string {
	switch c {
	case CategoryReadOnly:
		return "READ_ONLY"
	case CategoryWrite:
		return "WRITE"
	default:
		return "DDL"
	}
}

// MarshalText renders the category for JSON output.
func (c OperationCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// MoreRestrictive returns whichever of a and b needs the larger privilege.
func MoreRestrictive(a, b OperationCategory) OperationCategory {
	if b > a {
		return b
	}
	return a
}

// CapabilitySet is the privilege grant for a single invocation.
// The zero value is read-only with no row limit and no timeout.
type CapabilitySet struct {
	AllowWrite bool           `json:"allow_write"`
	AllowDDL   bool           `json:"allow_ddl"`
	MaxRows    *int           `json:"max_rows,omitempty"`
	Timeout    *time.Duration `json:"timeout,omitempty"`
}

// CanWrite reports whether data modification is granted. DDL implies write.
func (c CapabilitySet) CanWrite() bool {
	return c.AllowWrite || c.AllowDDL
}

// CanDDL reports whether schema changes are granted. Write never implies DDL.
func (c CapabilitySet) CanDDL() bool {
	return c.AllowDDL
}

// Validate rejects row limits below zero and timeouts that are not positive.
func (c CapabilitySet) Validate() error {
	if c.MaxRows != nil && *c.MaxRows < 0 {
		return fmt.Errorf("max_rows must not be negative, got %d", *c.MaxRows)
	}
	if c.Timeout != nil && *c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", *c.Timeout)
	}
	return nil
}

// ExecutionParams are the limits attached to a permitted statement.
type ExecutionParams struct {
	MaxRows *int           `json:"max_rows,omitempty"`
	Timeout *time.Duration `json:"timeout,omitempty"`
}

// Params copies the execution limits out of the capability set.
func (c CapabilitySet) Params() ExecutionParams {
	return ExecutionParams{MaxRows: c.MaxRows, Timeout: c.Timeout}
}
