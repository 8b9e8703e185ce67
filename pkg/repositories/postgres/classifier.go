package postgres

import (
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/sqltext"
)

// Statement keyword tables. Rules are applied in the order of Classify and the
// first match wins; anything unmatched falls through to DDL.
var (
	readOnlyKeywords = map[string]bool{
		"SELECT": true,
		"VALUES": true,
		"TABLE":  true,
		"SHOW":   true,
	}

	transactionKeywords = map[string]bool{
		"BEGIN":     true,
		"COMMIT":    true,
		"ROLLBACK":  true,
		"SAVEPOINT": true,
		"RELEASE":   true,
		"END":       true,
		"ABORT":     true,
	}

	writeKeywords = map[string]bool{
		"INSERT":  true,
		"UPDATE":  true,
		"DELETE":  true,
		"MERGE":   true,
		"CALL":    true,
		"EXECUTE": true,
	}

	ddlKeywords = map[string]bool{
		"CREATE":   true,
		"DROP":     true,
		"ALTER":    true,
		"TRUNCATE": true,
		"RENAME":   true,
		"COMMENT":  true,
		"GRANT":    true,
		"REVOKE":   true,
		"REINDEX":  true,
		"VACUUM":   true,
		"CLUSTER":  true,
		"REFRESH":  true,
		"SECURITY": true,
		"REASSIGN": true,
		"IMPORT":   true,
	}

	// Options accepted by the legacy EXPLAIN syntax before the statement.
	explainOptions = map[string]bool{
		"ANALYZE": true,
		"ANALYSE": true,
		"VERBOSE": true,
	}
)

// maxNesting bounds recursion through CTE bodies and EXPLAIN prefixes.
const maxNesting = 32

// Classifier categorizes PostgreSQL statements.
type Classifier struct{}

// NewClassifier creates a PostgreSQL classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Dialect returns the PostgreSQL dialect.
func (c *Classifier) Dialect() models.Dialect {
	return models.DialectPostgres
}

// Classify returns the operation category of stmt.
func (c *Classifier) Classify(stmt *sqltext.Canonical) models.OperationCategory {
	return classify(stmt, 0)
}

func classify(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	if stmt == nil || stmt.Len() == 0 || nesting > maxNesting {
		return models.CategoryDDL
	}

	first := stmt.At(0)

	// (SELECT ...) UNION (SELECT ...)
	if first.IsPunct("(") {
		inner := classify(stmt.SliceRange(1, closingParen(stmt, 0)), nesting+1)
		if inner == models.CategoryReadOnly {
			return models.CategoryReadOnly
		}
		return models.CategoryDDL
	}

	kw := first.Keyword()
	switch {
	case readOnlyKeywords[kw]:
		if kw == "SELECT" && selectsInto(stmt) {
			return models.CategoryDDL
		}
		return models.CategoryReadOnly
	case kw == "WITH":
		return classifyWith(stmt, nesting)
	case kw == "EXPLAIN":
		return classifyExplain(stmt, nesting)
	case kw == "COMMIT" || kw == "ROLLBACK":
		// COMMIT PREPARED and ROLLBACK PREPARED settle another session's writes
		// and are allowed in read-only transactions.
		if stmt.At(1).Is("PREPARED") {
			return models.CategoryWrite
		}
		return models.CategoryReadOnly
	case transactionKeywords[kw]:
		return models.CategoryReadOnly
	case kw == "START" && stmt.At(1).Is("TRANSACTION"):
		return models.CategoryReadOnly
	case writeKeywords[kw]:
		return models.CategoryWrite
	case ddlKeywords[kw]:
		return models.CategoryDDL
	default:
		return models.CategoryDDL
	}
}

// selectsInto detects SELECT ... INTO new_table, which creates a table.
func selectsInto(stmt *sqltext.Canonical) bool {
	for _, tok := range stmt.Tokens {
		if tok.Depth == 0 && tok.Is("INTO") {
			return true
		}
	}
	return false
}

// classifyWith folds the categories of every CTE body and the final statement.
// Data-modifying CTEs make the whole statement at least Write.
func classifyWith(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	category := models.CategoryReadOnly
	i := 1
	if stmt.At(i).Is("RECURSIVE") {
		i++
	}

	for {
		as := -1
		for j := i; j < stmt.Len(); j++ {
			if tok := stmt.At(j); tok.Depth == 0 && tok.Is("AS") {
				as = j
				break
			}
		}
		if as < 0 {
			return models.CategoryDDL
		}

		open := as + 1
		for stmt.At(open).Is("NOT", "MATERIALIZED") {
			open++
		}
		if !stmt.At(open).IsPunct("(") {
			return models.CategoryDDL
		}
		closing := closingParen(stmt, open)
		body := stmt.SliceRange(open+1, closing)
		category = models.MoreRestrictive(category, classify(body, nesting+1))

		next := closing + 1
		if stmt.At(next).Is("SEARCH", "CYCLE") {
			next = skipCTEClauses(stmt, next)
		}
		if stmt.At(next).IsPunct(",") {
			i = next + 1
			continue
		}
		return models.MoreRestrictive(category, classify(stmt.Slice(next), nesting+1))
	}
}

// skipCTEClauses skips SEARCH and CYCLE clauses of a recursive CTE.
func skipCTEClauses(stmt *sqltext.Canonical, i int) int {
	for ; i < stmt.Len(); i++ {
		tok := stmt.At(i)
		if tok.Depth != 0 {
			continue
		}
		if tok.IsPunct(",") || tok.IsPunct("(") || readOnlyKeywords[tok.Keyword()] || writeKeywords[tok.Keyword()] {
			return i
		}
	}
	return i
}

// classifyExplain strips EXPLAIN and its options. EXPLAIN ANALYZE executes the
// statement, so the result is always the category of the inner statement.
func classifyExplain(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	i := 1
	if stmt.At(i).IsPunct("(") {
		i = closingParen(stmt, i) + 1
	} else {
		for explainOptions[stmt.At(i).Keyword()] {
			i++
		}
	}
	return classify(stmt.Slice(i), nesting+1)
}

// closingParen returns the index of the parenthesis closing the one at open.
func closingParen(stmt *sqltext.Canonical, open int) int {
	depth := stmt.At(open).Depth
	for i := open + 1; i < stmt.Len(); i++ {
		if tok := stmt.At(i); tok.Depth == depth && tok.IsPunct(")") {
			return i
		}
	}
	return stmt.Len()
}
