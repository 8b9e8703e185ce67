package mysql

import (
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/sqltext"
)

// Statement keyword tables for MySQL and MariaDB.
//
// Statements that cause an implicit commit are classified DDL even when they
// look administrative, because they end any surrounding transaction.
var (
	readOnlyKeywords = map[string]bool{
		"SELECT": true,
		"SHOW":   true,
		"TABLE":  true,
		"VALUES": true,
		"HELP":   true,
	}

	describeKeywords = map[string]bool{
		"EXPLAIN":  true,
		"DESCRIBE": true,
		"DESC":     true,
	}

	transactionKeywords = map[string]bool{
		"BEGIN":     true,
		"COMMIT":    true,
		"ROLLBACK":  true,
		"SAVEPOINT": true,
		"RELEASE":   true,
	}

	writeKeywords = map[string]bool{
		"INSERT":  true,
		"UPDATE":  true,
		"DELETE":  true,
		"REPLACE": true,
		"CALL":    true,
		"EXEC":    true,
	}

	ddlKeywords = map[string]bool{
		"CREATE":    true,
		"DROP":      true,
		"ALTER":     true,
		"TRUNCATE":  true,
		"RENAME":    true,
		"LOCK":      true,
		"UNLOCK":    true,
		"GRANT":     true,
		"REVOKE":    true,
		"ANALYZE":   true,
		"OPTIMIZE":  true,
		"REPAIR":    true,
		"CHECK":     true,
		"FLUSH":     true,
		"RESET":     true,
		"INSTALL":   true,
		"UNINSTALL": true,
		"CACHE":     true,
		"PURGE":     true,
	}

	// Leading keywords of a statement that EXPLAIN can wrap.
	explainable = map[string]bool{
		"SELECT":  true,
		"TABLE":   true,
		"VALUES":  true,
		"WITH":    true,
		"INSERT":  true,
		"UPDATE":  true,
		"DELETE":  true,
		"REPLACE": true,
	}
)

const maxNesting = 32

// Classifier categorizes MySQL and MariaDB statements.
type Classifier struct{}

// NewClassifier creates a MySQL classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Dialect returns the MySQL dialect.
func (c *Classifier) Dialect() models.Dialect {
	return models.DialectMySQL
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
	if first.IsPunct("(") {
		if classify(stmt.SliceRange(1, matchParen(stmt, 0)), nesting+1) == models.CategoryReadOnly && !writesFile(stmt) {
			return models.CategoryReadOnly
		}
		return models.CategoryDDL
	}

	kw := first.Keyword()
	switch {
	case describeKeywords[kw]:
		return classifyDescribe(stmt, nesting)
	case readOnlyKeywords[kw]:
		if writesFile(stmt) {
			return models.CategoryDDL
		}
		return models.CategoryReadOnly
	case kw == "WITH":
		return classifyCTE(stmt, nesting)
	case transactionKeywords[kw]:
		return models.CategoryReadOnly
	case kw == "START" && stmt.At(1).Is("TRANSACTION"):
		return models.CategoryReadOnly
	case kw == "LOAD" && stmt.At(1).Is("DATA", "XML"):
		return models.CategoryWrite
	case writeKeywords[kw]:
		return models.CategoryWrite
	case ddlKeywords[kw]:
		return models.CategoryDDL
	default:
		return models.CategoryDDL
	}
}

// writesFile detects INTO OUTFILE and INTO DUMPFILE after SELECT, TABLE or VALUES.
func writesFile(stmt *sqltext.Canonical) bool {
	for i, tok := range stmt.Tokens {
		if tok.Depth == 0 && tok.Is("INTO") && stmt.At(i+1).Is("OUTFILE", "DUMPFILE") {
			return true
		}
	}
	return false
}

// classifyDescribe handles EXPLAIN, DESCRIBE and DESC. Followed by a table name
// they describe the table; followed by a statement they explain it, and
// EXPLAIN ANALYZE runs it.
func classifyDescribe(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	i := 1
	if stmt.At(i).Is("FOR") && stmt.At(i+1).Is("CONNECTION") {
		return models.CategoryReadOnly
	}
	if stmt.At(i).Is("ANALYZE", "EXTENDED", "PARTITIONS") {
		i++
	}
	if stmt.At(i).Is("FORMAT") && stmt.At(i+1).IsPunct("=") {
		i += 3
	}

	rest := stmt.Slice(i)
	if rest.Len() == 0 {
		return models.CategoryDDL
	}
	head := rest.At(0)
	if head.IsPunct("(") || explainable[head.Keyword()] {
		return classify(rest, nesting+1)
	}
	if head.Kind == sqltext.TokenWord || head.Kind == sqltext.TokenQuotedIdent {
		return models.CategoryReadOnly
	}
	return models.CategoryDDL
}

// classifyCTE classifies WITH statements by the most restrictive of the CTE
// bodies and the statement that follows them.
func classifyCTE(stmt *sqltext.Canonical, nesting int) models.OperationCategory {
	result := models.CategoryReadOnly
	pos := 1
	if stmt.At(pos).Is("RECURSIVE") {
		pos++
	}

	for {
		as := -1
		for j := pos; j < stmt.Len(); j++ {
			if stmt.At(j).Depth == 0 && stmt.At(j).Is("AS") {
				as = j
				break
			}
		}
		if as < 0 || !stmt.At(as+1).IsPunct("(") {
			return models.CategoryDDL
		}

		end := matchParen(stmt, as+1)
		result = models.MoreRestrictive(result, classify(stmt.SliceRange(as+2, end), nesting+1))

		if stmt.At(end + 1).IsPunct(",") {
			pos = end + 2
			continue
		}
		return models.MoreRestrictive(result, classify(stmt.Slice(end+1), nesting+1))
	}
}

func matchParen(stmt *sqltext.Canonical, open int) int {
	want := stmt.At(open).Depth
	for i := open + 1; i < stmt.Len(); i++ {
		if stmt.At(i).IsPunct(")") && stmt.At(i).Depth == want {
			return i
		}
	}
	return stmt.Len()
}
