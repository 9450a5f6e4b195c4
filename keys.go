package dialect

import (
	"fmt"
	"strings"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// Column is one named value of a key, tuple or native record.
type Column struct {
	Name  string
	Value any
}

// AssociationKind distinguishes links to other entities from value collections
// stored in the association's own table.
type AssociationKind int

const (
	// KindAssociation links the owner to rows of another entity.
	KindAssociation AssociationKind = iota
	// KindEmbeddedCollection stores the collection's values directly in its rows.
	KindEmbeddedCollection
)

func (k AssociationKind) String() string {
	switch k {
	case KindAssociation:
		return "association"
	case KindEmbeddedCollection:
		return "embedded-collection"
	default:
		return fmt.Sprintf("AssociationKind(%d)", int(k))
	}
}

// EntityKeyMetadata describes the primary key of one table.
// It is built once per entity type and shared by every key of that type.
type EntityKeyMetadata struct {
	Table       string
	ColumnNames []string
}

// NewEntityKeyMetadata creates key metadata for table.
func NewEntityKeyMetadata(table string, columnNames ...string) *EntityKeyMetadata {
	return &EntityKeyMetadata{Table: table, ColumnNames: columnNames}
}

// IsKeyColumn reports whether name is one of the key columns.
func (m *EntityKeyMetadata) IsKeyColumn(name string) bool {
	for _, c := range m.ColumnNames {
		if c == name {
			return true
		}
	}
	return false
}

// EntityKey identifies one record within its table.
type EntityKey struct {
	meta   *EntityKeyMetadata
	values []any
}

// NewEntityKey builds a key. It panics when the value count does not match the
// metadata's column count, which is a programming error in the caller.
func NewEntityKey(meta *EntityKeyMetadata, values ...any) EntityKey {
	if len(values) != len(meta.ColumnNames) {
		panic(fmt.Sprintf("dialect: entity key for %s has %d columns but %d values",
			meta.Table, len(meta.ColumnNames), len(values)))
	}
	return EntityKey{meta: meta, values: normalizeAll(values)}
}

func (k EntityKey) Metadata() *EntityKeyMetadata { return k.meta }
func (k EntityKey) Table() string                { return k.meta.Table }
func (k EntityKey) ColumnNames() []string        { return append([]string(nil), k.meta.ColumnNames...) }
func (k EntityKey) ColumnValues() []any          { return append([]any(nil), k.values...) }

// Columns returns the key as name/value pairs in key order.
func (k EntityKey) Columns() []Column {
	return zipColumns(k.meta.ColumnNames, k.values)
}

// Value returns the value of a key column.
func (k EntityKey) Value(column string) (any, bool) {
	for i, c := range k.meta.ColumnNames {
		if c == column {
			return k.values[i], true
		}
	}
	return nil, false
}

// Equal compares table, column names and values.
func (k EntityKey) Equal(other EntityKey) bool {
	return k.Canonical() == other.Canonical()
}

// Canonical returns a string that is equal for structurally equal keys.
// It is suitable as a map key.
func (k EntityKey) Canonical() string {
	return canonical(k.meta.Table, k.meta.ColumnNames, k.values)
}

// ID returns the canonical encoding of the key values alone, used as the native
// record id by document and key-value stores.
func (k EntityKey) ID() string {
	return canonicalValues(k.values)
}

func (k EntityKey) String() string {
	return describe(k.meta.Table, k.meta.ColumnNames, k.values)
}

// AssociationKeyMetadata describes where one association type is stored.
type AssociationKeyMetadata struct {
	// Table holding the association rows.
	Table string
	// ColumnNames identify the owner inside Table.
	ColumnNames []string
	// RowKeyColumnNames identify a single row within one owner's rows.
	RowKeyColumnNames []string
	// RowKeyIndexColumnNames order the rows of indexed collections.
	RowKeyIndexColumnNames []string
	Kind                   AssociationKind
	// Inverse marks the non-owning side of a bidirectional association.
	Inverse bool
	// Role is the owning property name, used in logs.
	Role string
}

// IsRowKeyColumn reports whether name is part of the row key.
func (m *AssociationKeyMetadata) IsRowKeyColumn(name string) bool {
	for _, c := range m.RowKeyColumnNames {
		if c == name {
			return true
		}
	}
	return false
}

// IsKeyColumn reports whether name identifies the owner.
func (m *AssociationKeyMetadata) IsKeyColumn(name string) bool {
	for _, c := range m.ColumnNames {
		if c == name {
			return true
		}
	}
	return false
}

// AssociationKey identifies the rows of one association instance.
type AssociationKey struct {
	meta   *AssociationKeyMetadata
	values []any
	owner  *EntityKey
}

// NewAssociationKey builds an association key. owner may be nil when the owning
// entity is unknown; GetAssociation then skips its existence check.
func NewAssociationKey(meta *AssociationKeyMetadata, owner *EntityKey, values ...any) AssociationKey {
	if len(values) != len(meta.ColumnNames) {
		panic(fmt.Sprintf("dialect: association key for %s has %d columns but %d values",
			meta.Table, len(meta.ColumnNames), len(values)))
	}
	return AssociationKey{meta: meta, values: normalizeAll(values), owner: owner}
}

func (k AssociationKey) Metadata() *AssociationKeyMetadata { return k.meta }
func (k AssociationKey) Table() string                     { return k.meta.Table }
func (k AssociationKey) ColumnNames() []string             { return append([]string(nil), k.meta.ColumnNames...) }
func (k AssociationKey) ColumnValues() []any               { return append([]any(nil), k.values...) }
func (k AssociationKey) Owner() *EntityKey                 { return k.owner }
func (k AssociationKey) Kind() AssociationKind             { return k.meta.Kind }
func (k AssociationKey) IsInverse() bool                   { return k.meta.Inverse }

// Columns returns the owner-identifying columns.
func (k AssociationKey) Columns() []Column {
	return zipColumns(k.meta.ColumnNames, k.values)
}

// Equal compares table, column names and values.
func (k AssociationKey) Equal(other AssociationKey) bool {
	return k.Canonical() == other.Canonical()
}

// Canonical returns a string that is equal for structurally equal keys.
func (k AssociationKey) Canonical() string {
	return canonical(k.meta.Table, k.meta.ColumnNames, k.values)
}

// ID returns the canonical encoding of the key values alone.
func (k AssociationKey) ID() string {
	return canonicalValues(k.values)
}

func (k AssociationKey) String() string {
	return describe(k.meta.Table, k.meta.ColumnNames, k.values)
}

// RowKey identifies a single row within one association.
type RowKey struct {
	names  []string
	values []any
}

// NewRowKey builds a row key from parallel name and value slices.
func NewRowKey(names []string, values []any) RowKey {
	if len(names) != len(values) {
		panic(fmt.Sprintf("dialect: row key has %d columns but %d values", len(names), len(values)))
	}
	return RowKey{names: append([]string(nil), names...), values: normalizeAll(values)}
}

// RowKeyFromTuple extracts the row key columns named by meta from t.
func RowKeyFromTuple(meta *AssociationKeyMetadata, t *Tuple) RowKey {
	values := make([]any, len(meta.RowKeyColumnNames))
	for i, c := range meta.RowKeyColumnNames {
		values[i] = t.Get(c)
	}
	return NewRowKey(meta.RowKeyColumnNames, values)
}

func (k RowKey) ColumnNames() []string { return append([]string(nil), k.names...) }
func (k RowKey) ColumnValues() []any   { return append([]any(nil), k.values...) }

// Columns returns the row key as name/value pairs.
func (k RowKey) Columns() []Column {
	return zipColumns(k.names, k.values)
}

// Value returns the value of a row key column.
func (k RowKey) Value(column string) (any, bool) {
	for i, c := range k.names {
		if c == column {
			return k.values[i], true
		}
	}
	return nil, false
}

// Equal compares column names and values.
func (k RowKey) Equal(other RowKey) bool {
	return k.Canonical() == other.Canonical()
}

// Canonical returns a string that is equal for structurally equal row keys.
func (k RowKey) Canonical() string {
	return canonical("", k.names, k.values)
}

// ID returns the canonical encoding of the row key values alone.
func (k RowKey) ID() string {
	return canonicalValues(k.values)
}

func (k RowKey) String() string {
	return describe("", k.names, k.values)
}

func normalizeAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = typedjson.Normalize(v)
	}
	return out
}

func zipColumns(names []string, values []any) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Value: values[i]}
	}
	return cols
}

func canonical(table string, names []string, values []any) string {
	return table + "|" + strings.Join(names, ",") + "|" + canonicalValues(values)
}

func canonicalValues(values []any) string {
	b, err := typedjson.Marshal(values)
	if err != nil {
		return fmt.Sprint(values)
	}
	return string(b)
}

func describe(table string, names []string, values []any) string {
	var sb strings.Builder
	sb.WriteString(table)
	sb.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", n, values[i])
	}
	sb.WriteByte('}')
	return sb.String()
}
