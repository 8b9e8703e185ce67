package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/sqltext"
)

func TestClassifier(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected models.OperationCategory
	}{
		{"select", "SELECT * FROM users", models.CategoryReadOnly},
		{"select into variable", "SELECT COUNT(*) INTO @n FROM users", models.CategoryReadOnly},
		{"select into outfile", "SELECT * FROM users INTO OUTFILE '/tmp/users.csv'", models.CategoryDDL},
		{"select into dumpfile", "SELECT payload INTO DUMPFILE '/tmp/blob' FROM t LIMIT 1", models.CategoryDDL},
		{"table into outfile", "TABLE users INTO OUTFILE '/tmp/u.csv'", models.CategoryDDL},
		{"values into outfile", "VALUES ROW(1) INTO OUTFILE '/tmp/u.csv'", models.CategoryDDL},
		{"table with limit", "TABLE users ORDER BY id LIMIT 10", models.CategoryReadOnly},
		{"show tables", "SHOW TABLES", models.CategoryReadOnly},
		{"show create", "SHOW CREATE TABLE users", models.CategoryReadOnly},
		{"describe table", "DESCRIBE users", models.CategoryReadOnly},
		{"desc table column", "DESC users email", models.CategoryReadOnly},
		{"explain table", "EXPLAIN `users`", models.CategoryReadOnly},
		{"explain select", "EXPLAIN SELECT * FROM users", models.CategoryReadOnly},
		{"explain format", "EXPLAIN FORMAT=JSON SELECT 1", models.CategoryReadOnly},
		{"explain analyze select", "EXPLAIN ANALYZE SELECT * FROM users", models.CategoryReadOnly},
		{"explain delete", "EXPLAIN DELETE FROM users", models.CategoryWrite},
		{"describe update", "DESCRIBE UPDATE users SET x = 1", models.CategoryWrite},
		{"explain for connection", "EXPLAIN FOR CONNECTION 42", models.CategoryReadOnly},
		{"bare explain", "EXPLAIN", models.CategoryDDL},
		{"help", "HELP 'contents'", models.CategoryReadOnly},
		{"table statement", "TABLE users", models.CategoryReadOnly},

		{"cte select", "WITH c AS (SELECT 1) SELECT * FROM c", models.CategoryReadOnly},
		{"cte feeding insert", "WITH c AS (SELECT 1) INSERT INTO t SELECT * FROM c", models.CategoryWrite},
		{"cte delete", "WITH old AS (SELECT id FROM t) DELETE FROM t WHERE id IN (SELECT id FROM old)", models.CategoryWrite},

		{"begin", "BEGIN", models.CategoryReadOnly},
		{"start transaction", "START TRANSACTION READ ONLY", models.CategoryReadOnly},
		{"commit", "COMMIT", models.CategoryReadOnly},
		{"rollback", "ROLLBACK", models.CategoryReadOnly},
		{"savepoint", "SAVEPOINT sp", models.CategoryReadOnly},
		{"release", "RELEASE SAVEPOINT sp", models.CategoryReadOnly},

		{"insert", "INSERT INTO users (name) VALUES ('a') ON DUPLICATE KEY UPDATE name = 'b'", models.CategoryWrite},
		{"update", "UPDATE users SET x = 1", models.CategoryWrite},
		{"delete", "DELETE FROM users", models.CategoryWrite},
		{"replace", "REPLACE INTO users VALUES (1, 'a')", models.CategoryWrite},
		{"call", "CALL cleanup()", models.CategoryWrite},
		{"exec", "EXEC cleanup", models.CategoryWrite},
		{"load data", "LOAD DATA INFILE '/tmp/x.csv' INTO TABLE t", models.CategoryWrite},

		{"create", "CREATE TABLE t (id INT)", models.CategoryDDL},
		{"drop", "DROP DATABASE prod", models.CategoryDDL},
		{"alter", "ALTER TABLE t ADD c INT", models.CategoryDDL},
		{"truncate", "TRUNCATE TABLE t", models.CategoryDDL},
		{"rename", "RENAME TABLE a TO b", models.CategoryDDL},
		{"lock tables", "LOCK TABLES t WRITE", models.CategoryDDL},
		{"unlock tables", "UNLOCK TABLES", models.CategoryDDL},
		{"lock instance", "LOCK INSTANCE FOR BACKUP", models.CategoryDDL},
		{"analyze table", "ANALYZE TABLE t", models.CategoryDDL},
		{"optimize table", "OPTIMIZE TABLE t", models.CategoryDDL},
		{"flush", "FLUSH PRIVILEGES", models.CategoryDDL},
		{"load index", "LOAD INDEX INTO CACHE t", models.CategoryDDL},

		{"set", "SET autocommit = 0", models.CategoryDDL},
		{"do", "DO SLEEP(1)", models.CategoryDDL},
		{"handler", "HANDLER t OPEN", models.CategoryDDL},
		{"unknown", "FROBNICATE", models.CategoryDDL},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := sqltext.Normalize(tt.sql, models.DialectMySQL)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.Classify(stmt))
		})
	}
}

func TestClassifier_HashComments(t *testing.T) {
	c := NewClassifier()

	stmt, err := sqltext.Normalize("# SELECT\nUPDATE t SET x = 1 -- SELECT", models.DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryWrite, c.Classify(stmt))
	assert.Equal(t, models.DialectMySQL, c.Dialect())
}
