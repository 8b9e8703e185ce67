package models

import (
	"time"
)

// ResultSet represents the result of running one statement.
type ResultSet struct {
	Category      OperationCategory        `json:"category"`
	Columns       []string                 `json:"columns"`
	Rows          []map[string]interface{} `json:"rows"`
	RowsAffected  *int64                   `json:"rows_affected,omitempty"`
	Truncated     bool                     `json:"truncated,omitempty"`
	ExecutionTime time.Duration            `json:"-"`
	ExecutionMS   int64                    `json:"execution_ms"`
}

// SetExecutionTime records the elapsed time in both forms.
func (r *ResultSet) SetExecutionTime(d time.Duration) {
	r.ExecutionTime = d
	r.ExecutionMS = d.Milliseconds()
}
