package sqlite

import (
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/sqltext"
)

var (
	readOnlyKeywords = map[string]bool{
		"SELECT": true,
		"VALUES": true,
	}

	transactionKeywords = map[string]bool{
		"BEGIN":     true,
		"COMMIT":    true,
		"END":       true,
		"ROLLBACK":  true,
		"SAVEPOINT": true,
		"RELEASE":   true,
	}

	writeKeywords = map[string]bool{
		"INSERT":  true,
		"UPDATE":  true,
		"DELETE":  true,
		"REPLACE": true,
	}

	ddlKeywords = map[string]bool{
		"CREATE":   true,
		"DROP":     true,
		"ALTER":    true,
		"TRUNCATE": true,
		"RENAME":   true,
		"VACUUM":   true,
		"REINDEX":  true,
		"ATTACH":   true,
		"DETACH":   true,
		"ANALYZE":  true,
	}

	// Pragmas whose argument form only reads.
	introspectionPragmas = map[string]bool{
		"TABLE_INFO":        true,
		"TABLE_XINFO":       true,
		"TABLE_LIST":        true,
		"INDEX_INFO":        true,
		"INDEX_XINFO":       true,
		"INDEX_LIST":        true,
		"FOREIGN_KEY_LIST":  true,
		"FOREIGN_KEY_CHECK": true,
		"INTEGRITY_CHECK":   true,
		"QUICK_CHECK":       true,
	}

	// Pragmas that modify the database file even without an argument.
	mutatingPragmas = map[string]bool{
		"OPTIMIZE":           true,
		"WAL_CHECKPOINT":     true,
		"INCREMENTAL_VACUUM": true,
		"SHRINK_MEMORY":      true,
	}
)

const maxNesting = 32

// Classifier categorizes SQLite statements.
type Classifier struct{}

// NewClassifier creates a SQLite classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Dialect returns the SQLite dialect.
func (c *Classifier) Dialect() models.Dialect {
	return models.DialectSQLite
}

// Classify returns the operation category of stmt.
func (c *Classifier) Classify(stmt *sqltext.Canonical) models.OperationCategory {
	return categorize(stmt, 0)
}

func categorize(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	if stmt == nil || stmt.Len() == 0 || nesting > maxNesting {
		return models.CategoryDDL
	}

	kw := stmt.At(0).Keyword()
	switch {
	case readOnlyKeywords[kw]:
		return models.CategoryReadOnly
	case kw == "PRAGMA":
		return categorizePragma(stmt)
	case kw == "WITH":
		return categorizeWith(stmt, nesting)
	case kw == "EXPLAIN":
		i := 1
		if stmt.At(1).Is("QUERY") && stmt.At(2).Is("PLAN") {
			i = 3
		}
		return categorize(stmt.Slice(i), nesting+1)
	case transactionKeywords[kw]:
		return models.CategoryReadOnly
	case writeKeywords[kw]:
		return models.CategoryWrite
	case ddlKeywords[kw]:
		return models.CategoryDDL
	default:
		return models.CategoryDDL
	}
}

// categorizePragma treats the query form of a pragma as read-only and any
// assignment as DDL. PRAGMA [schema.]name, PRAGMA name(arg), PRAGMA name = value.
func categorizePragma(stmt *sqltext.Canonical) models.OperationCategory {
	i := 1
	if stmt.At(i + 1).IsPunct(".") {
		i += 2
	}
	name := stmt.At(i).Keyword()
	if name == "" || mutatingPragmas[name] {
		return models.CategoryDDL
	}

	next := stmt.At(i + 1)
	switch {
	case next.IsPunct("="):
		return models.CategoryDDL
	case next.IsPunct("("):
		if introspectionPragmas[name] {
			return models.CategoryReadOnly
		}
		return models.CategoryDDL
	case i+1 >= stmt.Len():
		return models.CategoryReadOnly
	default:
		return models.CategoryDDL
	}
}

func categorizeWith(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	category := models.CategoryReadOnly
	start := 1
	if stmt.At(start).Is("RECURSIVE") {
		start++
	}

	for {
		as := indexOfAS(stmt, start)
		if as < 0 {
			return models.CategoryDDL
		}
		open := as + 1
		if stmt.At(open).Is("NOT") {
			open++
		}
		if stmt.At(open).Is("MATERIALIZED") {
			open++
		}
		if !stmt.At(open).IsPunct("(") {
			return models.CategoryDDL
		}

		closeAt := findClose(stmt, open)
		category = models.MoreRestrictive(category, categorize(stmt.SliceRange(open+1, closeAt), nesting+1))

		if !stmt.At(closeAt + 1).IsPunct(",") {
			return models.MoreRestrictive(category, categorize(stmt.Slice(closeAt+1), nesting+1))
		}
		start = closeAt + 2
	}
}

func indexOfAS(stmt *sqltext.Canonical, from int) int {
	for i := from; i < stmt.Len(); i++ {
		tok := stmt.At(i)
		if tok.Depth == 0 && tok.Is("AS") {
			return i
		}
	}
	return -1
}

func findClose(stmt *sqltext.Canonical, open int) int {
	level := stmt.At(open).Depth
	for i := open + 1; i < stmt.Len(); i++ {
		if tok := stmt.At(i); tok.IsPunct(")") && tok.Depth == level {
			return i
		}
	}
	return stmt.Len()
}
