package dialect

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// Reserved keys written into every nested document level.
const (
	// TypeTag holds the embeddable type name of a nested container.
	TypeTag = "$type"
	// EncodedTag maps leaf names to the encoding applied to them ("bytes" or "bigint").
	EncodedTag = "$encoded"
	// EmbeddedTag lists the child keys that hold nested containers.
	EmbeddedTag = "$embedded"

	encodingBytes  = "bytes"
	encodingBigInt = "bigint"
)

func isReservedKey(k string) bool {
	return k == TypeTag || k == EncodedTag || k == EmbeddedTag
}

// ColumnShape is the closed set of column layouts seen by the codec.
type ColumnShape int

const (
	ShapePlain ColumnShape = iota
	ShapeEmbedded
)

// ShapeOf classifies a column name. Key columns are always plain.
func ShapeOf(name string, keyColumns []string) ColumnShape {
	if !strings.Contains(name, ".") || contains(keyColumns, name) {
		return ShapePlain
	}
	return ShapeEmbedded
}

// EmbeddedCodec converts between flat dotted columns and nested documents.
type EmbeddedCodec struct {
	typeNames map[string]string
}

// NewEmbeddedCodec creates a codec. typeNames maps an embedded path prefix such as
// "engine.producer" to its type name; unmapped prefixes use their last segment.
func NewEmbeddedCodec(typeNames map[string]string) *EmbeddedCodec {
	if typeNames == nil {
		typeNames = map[string]string{}
	}
	return &EmbeddedCodec{typeNames: typeNames}
}

func (c *EmbeddedCodec) typeName(path string) string {
	if n, ok := c.typeNames[path]; ok {
		return n
	}
	return path[strings.LastIndex(path, ".")+1:]
}

// Encode nests cols into a document. Dotted key columns are written under their
// last path segment instead of being nested.
func (c *EmbeddedCodec) Encode(cols []Column, keyColumns []string) (map[string]any, error) {
	doc := make(map[string]any)
	for _, col := range cols {
		if ShapeOf(col.Name, keyColumns) == ShapePlain {
			name := col.Name
			if strings.Contains(name, ".") {
				name = stripPrefix(name)
			}
			if err := setLeaf(doc, name, col.Value, col.Name); err != nil {
				return nil, err
			}
			continue
		}

		segments := strings.Split(col.Name, ".")
		level := doc
		for i, seg := range segments[:len(segments)-1] {
			child, err := childContainer(level, seg, col.Name)
			if err != nil {
				return nil, err
			}
			if child == nil {
				child = map[string]any{TypeTag: c.typeName(strings.Join(segments[:i+1], "."))}
				level[seg] = child
				markEmbedded(level, seg)
			}
			level = child
		}
		if err := setLeaf(level, segments[len(segments)-1], col.Value, col.Name); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Decode flattens a document back into dotted columns, depth first with keys in
// sorted order. A key listed as embedded whose value is not a container (or a JSON
// object string) fails with ErrInvalidNested.
func (c *EmbeddedCodec) Decode(doc map[string]any, keyColumns []string) ([]Column, error) {
	var cols []Column
	if err := decodeLevel(doc, "", &cols); err != nil {
		return nil, err
	}
	for _, k := range keyColumns {
		if !strings.Contains(k, ".") {
			continue
		}
		stripped := stripPrefix(k)
		for i := range cols {
			if cols[i].Name == stripped {
				cols[i].Name = k
			}
		}
	}
	return cols, nil
}

func decodeLevel(level map[string]any, prefix string, out *[]Column) error {
	embedded := embeddedSet(level)
	encoded, _ := level[EncodedTag].(map[string]any)

	keys := make([]string, 0, len(level))
	for k := range level {
		if !isReservedKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		v := level[k]
		if m, ok := v.(map[string]any); ok && (embedded[k] || m[TypeTag] != nil) {
			if err := decodeLevel(m, name, out); err != nil {
				return err
			}
			continue
		}
		if embedded[k] {
			m, err := parseContainer(v)
			if err != nil {
				return WithContext(ErrInvalidNested, map[string]interface{}{
					"column": name,
					"reason": err.Error(),
				})
			}
			if err := decodeLevel(m, name, out); err != nil {
				return err
			}
			continue
		}
		leaf, err := decodeLeaf(v, encoded[k])
		if err != nil {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"column": name,
				"reason": err.Error(),
			})
		}
		*out = append(*out, Column{Name: name, Value: leaf})
	}
	return nil
}

// parseContainer accepts a nested value that a flat store serialized as JSON text.
func parseContainer(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		return typedjson.UnmarshalMap([]byte(x))
	case []byte:
		return typedjson.UnmarshalMap(x)
	default:
		return nil, fmt.Errorf("got %T", v)
	}
}

func childContainer(level map[string]any, seg, column string) (map[string]any, error) {
	existing, ok := level[seg]
	if !ok {
		return nil, nil
	}
	child, isMap := existing.(map[string]any)
	if !isMap {
		return nil, WithContext(ErrInvalidTuple, map[string]interface{}{
			"column": column,
			"reason": fmt.Sprintf("%q is both a value and an embedded container", seg),
		})
	}
	return child, nil
}

func setLeaf(level map[string]any, name string, value any, column string) error {
	if existing, ok := level[name].(map[string]any); ok && existing != nil {
		return WithContext(ErrInvalidTuple, map[string]interface{}{
			"column": column,
			"reason": fmt.Sprintf("%q is both a value and an embedded container", name),
		})
	}
	v, encoding := encodeLeaf(value)
	level[name] = v
	if encoding != "" {
		enc, _ := level[EncodedTag].(map[string]any)
		if enc == nil {
			enc = map[string]any{}
			level[EncodedTag] = enc
		}
		enc[name] = encoding
	}
	return nil
}

func markEmbedded(level map[string]any, seg string) {
	list, _ := level[EmbeddedTag].([]any)
	level[EmbeddedTag] = append(list, seg)
}

func embeddedSet(level map[string]any) map[string]bool {
	set := map[string]bool{}
	switch list := level[EmbeddedTag].(type) {
	case []any:
		for _, e := range list {
			if s, ok := e.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range list {
			set[s] = true
		}
	}
	return set
}

func encodeLeaf(v any) (any, string) {
	switch x := typedjson.Normalize(v).(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(x), encodingBytes
	case *big.Int:
		return base64.StdEncoding.EncodeToString([]byte(x.String())), encodingBigInt
	default:
		return x, ""
	}
}

func decodeLeaf(v any, encoding any) (any, error) {
	switch encoding {
	case nil:
		return typedjson.Normalize(v), nil
	case encodingBytes, encodingBigInt:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("encoded leaf is %T, not a string", v)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		if encoding == encodingBytes {
			return raw, nil
		}
		n, ok := new(big.Int).SetString(string(raw), 10)
		if !ok {
			return nil, fmt.Errorf("bad bigint %q", raw)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown leaf encoding %v", encoding)
	}
}

func stripPrefix(name string) string {
	return name[strings.LastIndex(name, ".")+1:]
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
