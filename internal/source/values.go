package source

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Normalize converts a driver value into one of the scalar types the export
// encoders understand: nil, string, int64, float64, bool or time.Time.
// Values of any other type are rendered with fmt.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, int64, float64, bool:
		return val
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()

	// pgx
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.NaN || val.InfinityModifier != pgtype.Finite {
			return numericString(val)
		}
		if val.Exp >= 0 {
			if i, err := val.Int64Value(); err == nil && i.Valid {
				return i.Int64
			}
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return numericString(val)
		}
		return f.Float64
	case pgtype.Text:
		if !val.Valid {
			return nil
		}
		return val.String
	case pgtype.Bool:
		if !val.Valid {
			return nil
		}
		return val.Bool
	case pgtype.Date:
		if !val.Valid || val.InfinityModifier != pgtype.Finite {
			return nil
		}
		return val.Time
	case pgtype.Timestamp:
		if !val.Valid || val.InfinityModifier != pgtype.Finite {
			return nil
		}
		return val.Time
	case pgtype.Timestamptz:
		if !val.Valid || val.InfinityModifier != pgtype.Finite {
			return nil
		}
		return val.Time
	case pgtype.Int8:
		if !val.Valid {
			return nil
		}
		return val.Int64
	case pgtype.Int4:
		if !val.Valid {
			return nil
		}
		return int64(val.Int32)
	case pgtype.UUID:
		if !val.Valid {
			return nil
		}
		return uuid.UUID(val.Bytes).String()

	// database/sql
	case sql.NullString:
		if !val.Valid {
			return nil
		}
		return val.String
	case sql.NullInt64:
		if !val.Valid {
			return nil
		}
		return val.Int64
	case sql.NullFloat64:
		if !val.Valid {
			return nil
		}
		return val.Float64
	case sql.NullBool:
		if !val.Valid {
			return nil
		}
		return val.Bool
	case sql.NullTime:
		if !val.Valid {
			return nil
		}
		return val.Time

	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func numericString(n pgtype.Numeric) string {
	b, err := n.MarshalJSON()
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
