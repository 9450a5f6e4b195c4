package dialect

import (
	"fmt"
	"reflect"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// ordinal is implemented by enum types that know their own ordinal.
type ordinal interface {
	Ordinal() int
}

// Bind resolves the descriptor's positional parameter slots against named
// parameters. Enum slots are converted to ordinals.
func (q *QueryDescriptor) Bind(params map[string]any) ([]any, error) {
	out := make([]any, len(q.Params))
	for i, ref := range q.Params {
		var v any
		if ref.Name == "" {
			v = ref.Literal
		} else {
			p, ok := params[ref.Name]
			if !ok {
				return nil, WithContext(ErrMissingParameter, map[string]interface{}{
					"parameter": ref.Name,
					"query":     q.Native,
				})
			}
			v = p
		}
		if len(ref.Enum) > 0 {
			o, err := enumOrdinal(v, ref.Enum)
			if err != nil {
				return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
					"parameter": ref.Name,
					"reason":    err.Error(),
				})
			}
			v = o
		}
		out[i] = typedjson.Normalize(v)
	}
	return out, nil
}

// enumOrdinal maps an enum value to its position in values. Integers are taken as
// ordinals already.
func enumOrdinal(v any, values []string) (any, error) {
	if v == nil {
		return nil, nil
	}
	if o, ok := v.(ordinal); ok {
		return int64(o.Ordinal()), nil
	}
	switch e := v.(type) {
	case string:
		return indexOf(values, e)
	case fmt.Stringer:
		return indexOf(values, e.String())
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("cannot convert %T to an enum ordinal", v)
}

func indexOf(values []string, name string) (any, error) {
	for i, v := range values {
		if v == name {
			return int64(i), nil
		}
	}
	return nil, fmt.Errorf("unknown enum constant %q", name)
}
