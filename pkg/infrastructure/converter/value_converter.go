// Package converter turns driver values into JSON-safe result values.
package converter

import (
	"database/sql/driver"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// binaryTypes are database type names whose []byte values are raw bytes rather than text.
var binaryTypes = map[string]bool{
	"BLOB":       true,
	"TINYBLOB":   true,
	"MEDIUMBLOB": true,
	"LONGBLOB":   true,
	"BINARY":     true,
	"VARBINARY":  true,
	"BYTEA":      true,
	"BIT":        true,
	"GEOMETRY":   true,
}

// IsBinaryType reports whether a database type name holds raw bytes.
func IsBinaryType(dbType string) bool {
	return binaryTypes[strings.ToUpper(dbType)]
}

// Value converts a scanned driver value into a value that encodes cleanly as JSON.
// dbType is the column's database type name and may be empty.
//
// Binary data becomes base64, times become RFC 3339 strings, non-finite floats
// become strings and anything implementing driver.Valuer is resolved first.
func Value(v interface{}, dbType string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if IsBinaryType(dbType) || !utf8.Valid(val) {
			return base64.StdEncoding.EncodeToString(val)
		}
		return string(val)
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case float32:
		return floatValue(float64(val))
	case float64:
		return floatValue(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	case *big.Int:
		return val.String()
	case *big.Float:
		return val.Text('g', -1)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Value(item, "")
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Value(item, "")
		}
		return out
	case driver.Valuer:
		resolved, err := val.Value()
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		if _, again := resolved.(driver.Valuer); again {
			return fmt.Sprintf("%v", resolved)
		}
		return Value(resolved, dbType)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func floatValue(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprintf("%v", f)
	}
	return f
}
