package export

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FormatValue renders a record value as CSV text.
//
// Missing values are empty. Dates without a time of day use YYYY-MM-DD,
// other timestamps RFC 3339. Booleans are Yes/No, matching the spreadsheet.
func FormatValue(v any) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val

	case time.Time:
		if val.IsZero() {
			return ""
		}
		if isDate(val) {
			return val.Format(time.DateOnly)
		}
		return val.Format(time.RFC3339)

	case bool:
		if val {
			return "Yes"
		}
		return "No"

	case int64:
		return strconv.FormatInt(val, 10)

	case int:
		return strconv.Itoa(val)

	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return ""
		}
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatFloat(val, 'f', 0, 64)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)

	default:
		return fmt.Sprintf("%v", v)
	}
}

// isDate reports whether t carries no time-of-day component.
func isDate(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
