package dialect

import (
	"errors"
	"testing"
)

func translate(t *testing.T, ast *QueryAST) (*TranslatedQuery, error) {
	t.Helper()
	return NewTranslator(testRegistry(t), nil).Translate(ast)
}

func mustTranslate(t *testing.T, ast *QueryAST) *TranslatedQuery {
	t.Helper()
	q, err := translate(t, ast)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	return q
}

func TestTranslator_Errors(t *testing.T) {
	tests := []struct {
		name               string
		ast                *QueryAST
		wantErr            error
		wantNotImplemented bool
	}{
		{
			name:    "nil query",
			ast:     nil,
			wantErr: ErrInvalidQuery,
		},
		{
			name:    "unknown entity",
			ast:     &QueryAST{Entity: "Invoice", Alias: "i"},
			wantErr: ErrUnknownEntity,
		},
		{
			name: "unknown property",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("o.colour"), Op: OpEq, Value: Literal{"red"}},
			},
			wantErr: ErrUnknownProperty,
		},
		{
			name: "unknown alias",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("x.status"), Op: OpEq, Value: Literal{"open"}},
			},
			wantErr: ErrInvalidQuery,
		},
		{
			name: "navigation into a basic property",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("o.status.length"), Op: OpEq, Value: Literal{int64(4)}},
			},
			wantErr: ErrInvalidQuery,
		},
		{
			name: "embedded collection in a path",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("o.tags.value"), Op: OpEq, Value: Literal{"gift"}},
			},
			wantErr:            ErrUnsupportedMapping,
			wantNotImplemented: true,
		},
		{
			name: "join on an embedded collection",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Joins:  []JoinClause{{Path: Path("o.tags"), Alias: "t"}},
			},
			wantErr:            ErrUnsupportedMapping,
			wantNotImplemented: true,
		},
		{
			name: "embedded property that is not the id",
			ast: &QueryAST{
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("o.shipping.city"), Op: OpEq, Value: Literal{"Oslo"}},
			},
			wantErr: ErrUnsupportedMapping,
		},
		{
			name: "projection of a joined alias",
			ast: &QueryAST{
				Entity:     "Order",
				Alias:      "o",
				Projection: []PropertyPath{Path("o.customer.name")},
			},
			wantErr: ErrUnsupportedMapping,
		},
		{
			name: "update through a join",
			ast: &QueryAST{
				Kind:   UpdateQuery,
				Entity: "Order",
				Alias:  "o",
				Set:    []Assignment{{Path: Path("o.status"), Value: Literal{"closed"}}},
				Where:  Comparison{Path: Path("o.customer.name"), Op: OpEq, Value: Literal{"Ada"}},
			},
			wantErr: ErrUnsupportedMapping,
		},
		{
			name: "delete through a join",
			ast: &QueryAST{
				Kind:   DeleteQuery,
				Entity: "Order",
				Alias:  "o",
				Where:  Comparison{Path: Path("o.lines.sku"), Op: OpEq, Value: Literal{"A-1"}},
			},
			wantErr: ErrUnsupportedMapping,
		},
		{
			name:    "update without assignments",
			ast:     &QueryAST{Kind: UpdateQuery, Entity: "Order", Alias: "o"},
			wantErr: ErrInvalidQuery,
		},
		{
			name: "update of the identifier",
			ast: &QueryAST{
				Kind:   UpdateQuery,
				Entity: "Order",
				Alias:  "o",
				Set:    []Assignment{{Path: Path("o.id"), Value: Literal{int64(9)}}},
			},
			wantErr: ErrUnsupportedMapping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := translate(t, tt.ast)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := errors.Is(err, ErrNotImplemented); got != tt.wantNotImplemented {
				t.Errorf("errors.Is(ErrNotImplemented) = %v, want %v", got, tt.wantNotImplemented)
			}
		})
	}
}

func TestTranslator_ImplicitJoinsAreRequired(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Order",
		Alias:  "o",
		Where:  Comparison{Path: Path("o.customer.name"), Op: OpEq, Value: Param{"name"}},
	})

	if len(q.Aliases) != 1 {
		t.Fatalf("expected one joined alias, got %d", len(q.Aliases))
	}
	c := q.Aliases[0]
	if !c.Required {
		t.Error("a predicate path must require its join")
	}
	if c.Entity.Name != "Customer" || c.Parent != q.Root || c.Depth != 1 {
		t.Errorf("alias = %+v", c)
	}

	cond, ok := q.Where.(CompareCond)
	if !ok {
		t.Fatalf("expected CompareCond, got %T", q.Where)
	}
	if cond.Property.Alias != c.Alias || cond.Property.Column != "name" {
		t.Errorf("property = %s", cond.Property)
	}
	if len(q.Params) != 1 || q.Params[0].Name != "name" {
		t.Errorf("params = %+v", q.Params)
	}
}

func TestTranslator_OrderByJoinIsOptional(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity:  "Order",
		Alias:   "o",
		OrderBy: []OrderItem{{Path: Path("o.customer.name")}},
	})
	if len(q.Aliases) != 1 || q.Aliases[0].Required {
		t.Fatalf("an order-by path must not require its join: %+v", q.Aliases)
	}

	// The same join becomes required once a predicate needs it.
	q = mustTranslate(t, &QueryAST{
		Entity:  "Order",
		Alias:   "o",
		Where:   Comparison{Path: Path("o.customer.name"), Op: OpEq, Value: Literal{"Ada"}},
		OrderBy: []OrderItem{{Path: Path("o.customer.name")}},
	})
	if len(q.Aliases) != 1 || !q.Aliases[0].Required {
		t.Errorf("expected one required join, got %+v", q.Aliases)
	}
}

func TestTranslator_ExplicitJoins(t *testing.T) {
	tests := []struct {
		name         string
		join         JoinType
		wantRequired bool
		wantWarning  bool
	}{
		{"inner", InnerJoin, true, false},
		{"left", LeftJoin, false, false},
		{"right degrades to inner", RightJoin, true, true},
		{"full degrades to inner", FullJoin, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := mustTranslate(t, &QueryAST{
				Entity:  "Order",
				Alias:   "o",
				Joins:   []JoinClause{{Type: tt.join, Path: Path("o.customer"), Alias: "c"}},
				OrderBy: []OrderItem{{Path: Path("c.name")}},
			})
			if len(q.Aliases) != 1 {
				t.Fatalf("expected one alias, got %d", len(q.Aliases))
			}
			if q.Aliases[0].Required != tt.wantRequired {
				t.Errorf("Required = %v, want %v", q.Aliases[0].Required, tt.wantRequired)
			}
			if got := len(q.Warnings) > 0; got != tt.wantWarning {
				t.Errorf("warnings = %v", q.Warnings)
			}
			if q.Alias("c") == nil {
				t.Error("explicit alias c should resolve")
			}
			if q.OrderBy[0].Property.Alias != "c" || q.OrderBy[0].Property.Column != "name" {
				t.Errorf("order by = %s", q.OrderBy[0].Property)
			}
		})
	}
}

func TestTranslator_PathEndingOnEntity(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Order",
		Alias:  "o",
		Where:  Comparison{Path: Path("o.customer"), Op: OpEq, Value: Literal{int64(1)}},
	})
	cond := q.Where.(CompareCond)
	if cond.Property.Alias != "o" || cond.Property.Column != "customer_id" {
		t.Errorf("expected the order's foreign key, got %s", cond.Property)
	}
	if len(q.Aliases) != 0 {
		t.Errorf("comparing a reference should not join, got %d aliases", len(q.Aliases))
	}

	// The owner side of a to-many keeps its join.
	q = mustTranslate(t, &QueryAST{
		Entity: "Order",
		Alias:  "o",
		Where:  IsNull{Path: Path("o.lines"), Negated: true},
	})
	null := q.Where.(NullCond)
	if null.Property.Column != "id" || null.Property.Alias == "o" || len(q.Aliases) != 1 {
		t.Errorf("expected the joined line id, got %s with %d aliases", null.Property, len(q.Aliases))
	}
}

func TestTranslator_JoinConditions(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Order",
		Alias:  "o",
		Where: And{Terms: []Predicate{
			Comparison{Path: Path("o.customer.name"), Op: OpEq, Value: Literal{"Ada"}},
			Comparison{Path: Path("o.lines.sku"), Op: OpEq, Value: Literal{"A-1"}},
		}},
	})
	if len(q.Aliases) != 2 {
		t.Fatalf("expected two aliases, got %d", len(q.Aliases))
	}

	customer := q.Aliases[0].JoinCondition()
	if len(customer) != 1 {
		t.Fatalf("customer join = %v", customer)
	}
	// The order holds the foreign key to its customer.
	if customer[0].Left != (PropertyIdentifier{Alias: "o", Column: "customer_id"}) ||
		customer[0].Right.Column != "id" || customer[0].Right.Alias != q.Aliases[0].Alias {
		t.Errorf("customer join = %+v", customer[0])
	}

	lines := q.Aliases[1].JoinCondition()
	if len(lines) != 1 {
		t.Fatalf("lines join = %v", lines)
	}
	// Order lines point back at their order.
	if lines[0].Left.Alias != q.Aliases[1].Alias || lines[0].Left.Column != "order_id" ||
		lines[0].Right != (PropertyIdentifier{Alias: "o", Column: "id"}) {
		t.Errorf("lines join = %+v", lines[0])
	}

	if q.Root.JoinCondition() != nil {
		t.Error("the root alias has no join condition")
	}
}

func TestTranslator_EnumParameters(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Customer",
		Alias:  "c",
		Where: In{Path: Path("c.tier"), Values: []Operand{
			Param{"first"},
			Literal{"SILVER"},
		}},
	})
	if len(q.Params) != 2 {
		t.Fatalf("params = %+v", q.Params)
	}
	for i, p := range q.Params {
		if len(p.Enum) != 3 {
			t.Errorf("param %d should carry the enum constants, got %v", i, p.Enum)
		}
	}

	desc := &QueryDescriptor{Params: q.Params}
	args, err := desc.Bind(map[string]any{"first": "GOLD"})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if args[0] != int64(2) || args[1] != int64(1) {
		t.Errorf("ordinals = %v, want [2 1]", args)
	}

	if _, err := desc.Bind(map[string]any{"first": "PLATINUM"}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("unknown constant: expected ErrInvalidQuery, got %v", err)
	}
	if _, err := desc.Bind(nil); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("missing parameter: expected ErrMissingParameter, got %v", err)
	}
}

type tier int

func (t tier) Ordinal() int { return int(t) }

func TestBind_Conversions(t *testing.T) {
	enum := []string{"BRONZE", "SILVER", "GOLD"}
	desc := &QueryDescriptor{Params: []ParamRef{
		{Name: "a", Enum: enum},
		{Name: "b", Enum: enum},
		{Name: "c"},
		{Literal: 7},
	}}

	args, err := desc.Bind(map[string]any{"a": tier(1), "b": 2, "c": int32(5)})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	want := []any{int64(1), int64(2), int64(5), int64(7)}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v (%T), want %v", i, args[i], args[i], want[i])
		}
	}
}

func TestTranslator_AliasDefaultsToEntityName(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Order",
		Where:  Comparison{Path: Path("order.status"), Op: OpEq, Value: Literal{"open"}},
	})
	if q.Root.Alias != "order" {
		t.Errorf("root alias = %q, want order", q.Root.Alias)
	}
}

func TestSanitizeAlias(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"o", "o"},
		{"o_customer", "o_customer"},
		{"line-item", "line_item"},
		{"9lives", "_9lives"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := sanitizeAlias(tt.raw); got != tt.want {
			t.Errorf("sanitizeAlias(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestAliasResolver_DistinctAliases(t *testing.T) {
	r := newAliasResolver()
	a := r.registerEntityAlias("line-item")
	b := r.registerEntityAlias("line.item")
	if a == b {
		t.Fatalf("raw names sanitizing alike must not share an alias: %q", a)
	}
	if b != "line_item_2" {
		t.Errorf("second alias = %q, want line_item_2", b)
	}
	if again := r.registerEntityAlias("line-item"); again != a {
		t.Errorf("re-registering returned %q, want %q", again, a)
	}
}
