package bus

import (
	"encoding/json"
	"reflect"
)

// Correlation matches a reply by the value of one top-level JSON field.
// The zero Correlation accepts any reply.
type Correlation struct {
	Key   string
	Value any
}

func CorrelateBy(key string, value any) Correlation {
	return Correlation{Key: key, Value: value}
}

// Matches decodes both sides through encoding/json before comparing, so an
// int64 id matches 5 and 5.0 alike.
func (c Correlation) Matches(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}

	if c.Key == "" {
		return true
	}

	raw, ok := fields[c.Key]
	if !ok {
		return false
	}

	var got any
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}

	want, err := normalize(c.Value)
	if err != nil {
		return false
	}

	return reflect.DeepEqual(got, want)
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	err = json.Unmarshal(b, &out)

	return out, err
}
