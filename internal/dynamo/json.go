package dynamo

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MarshalJSON writes non-finite entries as the strings "NaN", "+Inf" and
// "-Inf" so failed states can still be persisted.
func (v Vector) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+8*len(v))
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsNaN(x):
			buf = append(buf, `"NaN"`...)
		case math.IsInf(x, 1):
			buf = append(buf, `"+Inf"`...)
		case math.IsInf(x, -1):
			buf = append(buf, `"-Inf"`...)
		default:
			buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
		}
	}
	return append(buf, ']'), nil
}

func (v *Vector) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Vector, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("vector entry %d: %w", i, err)
			}
			out[i] = x
			continue
		}
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return fmt.Errorf("vector entry %d: %w", i, err)
		}
	}
	*v = out
	return nil
}
