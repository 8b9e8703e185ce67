package main

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/gate"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Envelope is the single document written to stdout per invocation.
type Envelope struct {
	OK      bool        `json:"ok"`
	Command string      `json:"command"`
	Dialect string      `json:"dialect,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error part of an envelope.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Engine  string                 `json:"engine,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// errorBody converts err into its envelope form. Errors outside the taxonomy
// become ENGINE_ERROR so the output contract never leaks a raw error string.
func errorBody(err error) *ErrorBody {
	var ge *errors.GateError
	if !stderrors.As(err, &ge) {
		return &ErrorBody{Code: errors.CodeEngineError, Message: "unexpected internal error"}
	}
	return &ErrorBody{
		Code:    ge.Code,
		Message: ge.Message,
		Engine:  ge.Engine,
		Details: ge.Details,
	}
}

// connectResult is one entry of `connect --all`.
type connectResult struct {
	Name    string                    `json:"name"`
	Dialect models.Dialect            `json:"dialect,omitempty"`
	OK      bool                      `json:"ok"`
	Summary *models.ConnectionSummary `json:"summary,omitempty"`
	Error   *ErrorBody                `json:"error,omitempty"`
}

// versionInfo is the payload of `version`.
type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// render writes env to w in the requested format.
func render(w io.Writer, format string, env Envelope) error {
	switch format {
	case "yaml":
		return renderYAML(w, env)
	case "table":
		return renderTable(w, env)
	default:
		return renderJSON(w, env)
	}
}

func renderJSON(w io.Writer, env Envelope) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// renderYAML goes through JSON so field names and omission rules match the
// JSON output exactly.
func renderYAML(w io.Writer, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func renderTable(w io.Writer, env Envelope) error {
	if env.Error != nil {
		renderErrorTable(w, env.Error)
	}

	switch data := env.Data.(type) {
	case *models.ResultSet:
		renderResultTable(w, data)
	case *models.SchemaSnapshot:
		renderSchemaTable(w, data)
	case *models.ConnectionSummary:
		renderKeyValues(w, "Connection", [][2]string{
			{"Dialect", string(data.Dialect)},
			{"Version", data.DatabaseVersion},
			{"Server", data.ServerInfo},
			{"Database", data.Database},
			{"User", data.User},
		})
	case []connectResult:
		renderConnectTable(w, data)
	case gate.Decision:
		renderDecisionTable(w, data)
	case versionInfo:
		renderKeyValues(w, "sqlgate", [][2]string{
			{"Version", data.Version},
			{"Commit", data.Commit},
			{"Build Date", data.BuildDate},
		})
	}
	return nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderResultTable(w io.Writer, rs *models.ResultSet) {
	if len(rs.Columns) == 0 {
		if rs.RowsAffected != nil {
			fmt.Fprintf(w, "%s OK, %d rows affected (%d ms)\n", rs.Category, *rs.RowsAffected, rs.ExecutionMS)
		} else {
			fmt.Fprintf(w, "%s OK (%d ms)\n", rs.Category, rs.ExecutionMS)
		}
		return
	}

	t := newTable(w)
	header := make(table.Row, len(rs.Columns))
	for i, col := range rs.Columns {
		header[i] = col
	}
	t.AppendHeader(header)

	for _, row := range rs.Rows {
		r := make(table.Row, len(rs.Columns))
		for i, col := range rs.Columns {
			r[i] = cell(row[col])
		}
		t.AppendRow(r)
	}
	t.Render()

	suffix := ""
	if rs.Truncated {
		suffix = ", truncated"
	}
	fmt.Fprintf(w, "(%d rows%s, %d ms)\n", len(rs.Rows), suffix, rs.ExecutionMS)
}

func renderSchemaTable(w io.Writer, s *models.SchemaSnapshot) {
	fmt.Fprintf(w, "%s database %s: %d tables\n", s.Dialect, s.Database, len(s.Tables))

	for _, tbl := range s.Tables {
		t := newTable(w)
		name := tbl.Name
		if tbl.Schema != "" {
			name = tbl.Schema + "." + tbl.Name
		}
		t.SetTitle(name)
		t.AppendHeader(table.Row{"Column", "Type", "Nullable", "Default", "Key"})

		pk := make(map[string]bool, len(tbl.PrimaryKey))
		for _, col := range tbl.PrimaryKey {
			pk[col] = true
		}
		for _, col := range tbl.Columns {
			def := ""
			if col.Default != nil {
				def = *col.Default
			}
			key := ""
			if pk[col.Name] {
				key = "PK"
			}
			t.AppendRow(table.Row{col.Name, col.DataType, col.Nullable, def, key})
		}

		var footer []string
		for _, fk := range tbl.ForeignKeys {
			footer = append(footer, fmt.Sprintf("FK (%s) -> %s(%s)",
				strings.Join(fk.Columns, ", "), fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", ")))
		}
		for _, idx := range tbl.Indexes {
			kind := "INDEX"
			if idx.Unique {
				kind = "UNIQUE"
			}
			footer = append(footer, fmt.Sprintf("%s %s (%s)", kind, idx.Name, strings.Join(idx.Columns, ", ")))
		}
		if len(footer) > 0 {
			t.SetCaption("%s", strings.Join(footer, "\n"))
		}
		t.Render()
	}
}

func renderConnectTable(w io.Writer, results []connectResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Name", "Dialect", "Status", "Version"})
	for _, r := range results {
		status := "ok"
		version := ""
		if r.Summary != nil {
			version = r.Summary.ServerInfo
		}
		if r.Error != nil {
			status = r.Error.Code
			version = r.Error.Message
		}
		t.AppendRow(table.Row{r.Name, r.Dialect, status, version})
	}
	t.Render()
}

func renderDecisionTable(w io.Writer, d gate.Decision) {
	rows := [][2]string{
		{"Permitted", fmt.Sprint(d.Permitted)},
		{"Category", d.Category.String()},
	}
	if d.Params.MaxRows != nil {
		rows = append(rows, [2]string{"Max Rows", fmt.Sprint(*d.Params.MaxRows)})
	}
	if d.Params.Timeout != nil {
		rows = append(rows, [2]string{"Timeout", d.Params.Timeout.String()})
	}
	renderKeyValues(w, "Decision", rows)
}

func renderErrorTable(w io.Writer, e *ErrorBody) {
	rows := [][2]string{{"Code", e.Code}, {"Message", e.Message}}
	if e.Engine != "" {
		rows = append(rows, [2]string{"Engine", e.Engine})
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, [2]string{k, fmt.Sprint(e.Details[k])})
	}
	renderKeyValues(w, "Error", rows)
}

func renderKeyValues(w io.Writer, title string, rows [][2]string) {
	t := newTable(w)
	t.SetTitle(title)
	for _, r := range rows {
		t.AppendRow(table.Row{r[0], r[1]})
	}
	t.Render()
}

// cell formats one result value for a table.
func cell(v interface{}) interface{} {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return v
	}
}
