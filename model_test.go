package dialect

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func TestEntityKey_Equality(t *testing.T) {
	meta := NewEntityKeyMetadata("orders", "id")
	a := NewEntityKey(meta, 1)
	b := NewEntityKey(NewEntityKeyMetadata("orders", "id"), int64(1))

	if !a.Equal(b) || a.Canonical() != b.Canonical() {
		t.Errorf("keys with equal values should be equal: %s vs %s", a.Canonical(), b.Canonical())
	}
	if a.Equal(NewEntityKey(meta, 2)) {
		t.Error("keys with different values should differ")
	}
	if a.Equal(NewEntityKey(NewEntityKeyMetadata("customers", "id"), 1)) {
		t.Error("keys of different tables should differ")
	}
	if a.ID() == "" || a.String() != "orders{id=1}" {
		t.Errorf("ID = %q, String = %q", a.ID(), a.String())
	}
	if v, ok := a.Value("id"); !ok || v != int64(1) {
		t.Errorf("Value(id) = %v, %v", v, ok)
	}
	if _, ok := a.Value("missing"); ok {
		t.Error("Value(missing) should report false")
	}

	seen := map[string]bool{a.Canonical(): true}
	if !seen[b.Canonical()] {
		t.Error("Canonical should work as a map key")
	}
}

func TestEntityKey_ColumnCountMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()
	NewEntityKey(NewEntityKeyMetadata("order_lines", "order_id", "line"), 1)
}

func TestAssociationKey(t *testing.T) {
	meta := &AssociationKeyMetadata{
		Table:             "order_tags",
		ColumnNames:       []string{"order_id"},
		RowKeyColumnNames: []string{"order_id", "tag"},
		Kind:              KindEmbeddedCollection,
	}
	owner := NewEntityKey(NewEntityKeyMetadata("orders", "id"), 1)
	a := NewAssociationKey(meta, &owner, 1)
	b := NewAssociationKey(meta, nil, int64(1))

	if !a.Equal(b) {
		t.Error("owner should not take part in equality")
	}
	if a.Owner() == nil || b.Owner() != nil {
		t.Error("Owner not kept")
	}
	if a.Kind() != KindEmbeddedCollection || a.IsInverse() {
		t.Errorf("Kind = %s, inverse %v", a.Kind(), a.IsInverse())
	}
	if !meta.IsRowKeyColumn("tag") || meta.IsKeyColumn("tag") {
		t.Error("column classification wrong")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a missing owner value")
		}
	}()
	NewAssociationKey(meta, nil)
}

func TestRowKey(t *testing.T) {
	k := NewRowKey([]string{"order_id", "tag"}, []any{1, "gift"})
	if v, ok := k.Value("tag"); !ok || v != "gift" {
		t.Errorf("Value(tag) = %v, %v", v, ok)
	}
	if !k.Equal(NewRowKey([]string{"order_id", "tag"}, []any{int64(1), "gift"})) {
		t.Error("row keys should be equal")
	}
	if k.Equal(NewRowKey([]string{"tag", "order_id"}, []any{"gift", 1})) {
		t.Error("column order is part of the row key")
	}

	tuple := NewTuple()
	tuple.Put("order_id", 1)
	tuple.Put("tag", "gift")
	tuple.Put("note", "x")
	meta := &AssociationKeyMetadata{RowKeyColumnNames: []string{"order_id", "tag"}}
	if !RowKeyFromTuple(meta, tuple).Equal(k) {
		t.Error("RowKeyFromTuple should pick the row key columns")
	}
}

func TestTuple_Changes(t *testing.T) {
	tuple := newExistingTuple([]Column{{"id", 1}, {"status", "open"}, {"note", "n"}, {"total", 2}})
	if tuple.IsNew() || len(tuple.Changes()) != 0 {
		t.Fatalf("fresh existing tuple should have no changes: %v", tuple.Changes())
	}

	tuple.Put("total", 2.0)
	if len(tuple.Changes()) != 0 {
		t.Errorf("numerically equal value should not be a change: %v", tuple.Changes())
	}

	tuple.Put("status", "paid")
	tuple.Put("city", "Oslo")
	tuple.Remove("note")
	tuple.Remove("never-there")

	changes := tuple.Changes()
	want := []Column{{"status", "paid"}, {"city", "Oslo"}, {"note", nil}}
	if len(changes) != len(want) {
		t.Fatalf("Changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}

	if v, ok := tuple.SnapshotValue("note"); !ok || v != "n" {
		t.Errorf("SnapshotValue(note) = %v, %v", v, ok)
	}
	if names := tuple.ColumnNames(); len(names) != 4 || names[3] != "city" {
		t.Errorf("ColumnNames = %v", names)
	}

	c := tuple.Clone()
	c.Put("status", "closed")
	if tuple.Get("status") != "paid" {
		t.Error("Clone should not share values")
	}

	tuple.markPersisted()
	if len(tuple.Changes()) != 0 {
		t.Errorf("Changes after markPersisted = %v", tuple.Changes())
	}
}

func TestTuple_PutNormalizes(t *testing.T) {
	tuple := NewTuple()
	tuple.Put("n", int32(4))
	tuple.Put("f", float32(0.5))
	if tuple.Get("n") != int64(4) || tuple.Get("f") != 0.5 {
		t.Errorf("values = %v, %v", tuple.Get("n"), tuple.Get("f"))
	}
	if _, ok := tuple.Lookup("missing"); ok {
		t.Error("Lookup(missing) should report false")
	}
	if tuple.State() != TupleNew {
		t.Errorf("State = %s", tuple.State())
	}
}

func TestAssociationSnapshot_SortByIndex(t *testing.T) {
	meta := &AssociationKeyMetadata{
		Table:                  "order_items",
		ColumnNames:            []string{"order_id"},
		RowKeyColumnNames:      []string{"order_id", "line_id"},
		RowKeyIndexColumnNames: []string{"position"},
	}
	snap := newAssociationSnapshot(NewAssociationKey(meta, nil, 1))
	for _, row := range []struct {
		line, pos int64
	}{{10, 2}, {11, 0}, {12, 1}} {
		tuple := NewTuple()
		tuple.Put("order_id", 1)
		tuple.Put("line_id", row.line)
		tuple.Put("position", row.pos)
		snap.put(RowKeyFromTuple(meta, tuple), tuple)
	}
	snap.sortByIndex()

	var lines []int64
	snap.Each(func(_ RowKey, tuple *Tuple) bool {
		lines = append(lines, tuple.Get("line_id").(int64))
		return true
	})
	if len(lines) != 3 || lines[0] != 11 || lines[1] != 12 || lines[2] != 10 {
		t.Errorf("order = %v, want [11 12 10]", lines)
	}

	first := snap.RowKeys()[0]
	snap.remove(first)
	if snap.Len() != 2 || snap.Contains(first) {
		t.Errorf("remove failed: %d rows", snap.Len())
	}
	snap.clear()
	if snap.Len() != 0 {
		t.Error("clear should drop every row")
	}
}

func TestEmbeddedCodec_RoundTrip(t *testing.T) {
	codec := NewEmbeddedCodec(map[string]string{"shipping": "Address"})
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	cols := []Column{
		{"id", int64(1)},
		{"shipping.city", "Oslo"},
		{"shipping.geo.lat", 59.9},
		{"photo", []byte{1, 2, 3}},
		{"serial", huge},
	}

	doc, err := codec.Encode(cols, []string{"id"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	shipping, ok := doc["shipping"].(map[string]any)
	if !ok {
		t.Fatalf("shipping = %T", doc["shipping"])
	}
	if shipping[TypeTag] != "Address" {
		t.Errorf("shipping type = %v", shipping[TypeTag])
	}
	if geo := shipping["geo"].(map[string]any); geo[TypeTag] != "geo" {
		t.Errorf("unmapped prefix should use its last segment: %v", geo[TypeTag])
	}
	if _, ok := doc["photo"].(string); !ok {
		t.Errorf("bytes should be stored as text: %T", doc["photo"])
	}

	out, err := codec.Decode(doc, []string{"id"})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	names := []string{"id", "photo", "serial", "shipping.city", "shipping.geo.lat"}
	if len(out) != len(names) {
		t.Fatalf("Decode = %v", out)
	}
	for i, n := range names {
		if out[i].Name != n {
			t.Errorf("column %d = %s, want %s", i, out[i].Name, n)
		}
	}
	if b, ok := out[1].Value.([]byte); !ok || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("photo = %v", out[1].Value)
	}
	if n, ok := out[2].Value.(*big.Int); !ok || n.Cmp(huge) != 0 {
		t.Errorf("serial = %v", out[2].Value)
	}
}

func TestEmbeddedCodec_DottedKeyColumn(t *testing.T) {
	codec := NewEmbeddedCodec(nil)
	keys := []string{"pk.region"}
	doc, err := codec.Encode([]Column{{"pk.region", "eu"}, {"name", "x"}}, keys)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if doc["region"] != "eu" {
		t.Errorf("dotted key column should be stored under its last segment: %v", doc)
	}
	out, err := codec.Decode(doc, keys)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 2 || out[1].Name != "pk.region" {
		t.Errorf("Decode = %v", out)
	}
}

func TestEmbeddedCodec_Errors(t *testing.T) {
	codec := NewEmbeddedCodec(nil)
	tests := []struct {
		name    string
		cols    []Column
		wantErr error
	}{
		{"value then container", []Column{{"a", 1}, {"a.b", 2}}, ErrInvalidTuple},
		{"container then value", []Column{{"a.b", 2}, {"a", 1}}, ErrInvalidTuple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Encode(tt.cols, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	_, err := codec.Decode(map[string]any{EmbeddedTag: []any{"a"}, "a": 5}, nil)
	if !errors.Is(err, ErrInvalidNested) {
		t.Errorf("expected ErrInvalidNested, got %v", err)
	}
	_, err = codec.Decode(map[string]any{EncodedTag: map[string]any{"a": "rot13"}, "a": "x"}, nil)
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData, got %v", err)
	}
}

func TestEmbeddedCodec_DecodesSerializedContainer(t *testing.T) {
	doc := map[string]any{
		EmbeddedTag: []any{"shipping"},
		"shipping":  `{"city":"Oslo"}`,
	}
	out, err := NewEmbeddedCodec(nil).Decode(doc, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 1 || out[0].Name != "shipping.city" || out[0].Value != "Oslo" {
		t.Errorf("Decode = %v", out)
	}
}

func TestShapeOf(t *testing.T) {
	if ShapeOf("status", nil) != ShapePlain {
		t.Error("undotted column should be plain")
	}
	if ShapeOf("shipping.city", nil) != ShapeEmbedded {
		t.Error("dotted column should be embedded")
	}
	if ShapeOf("pk.region", []string{"pk.region"}) != ShapePlain {
		t.Error("key columns are always plain")
	}
}
