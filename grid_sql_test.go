package dialect

import (
	"errors"
	"strings"
	"testing"

	"github.com/adrianmcphee/dialect/internal/storage"
)

func newFileGrid(t *testing.T) *GridBackend {
	t.Helper()
	g, err := NewFileGridBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileGridBackend failed: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

// postgresGrid renders statements only; its pool is never used.
func postgresGrid() *GridBackend {
	return NewPostgresGridBackendWithPool(nil, nil)
}

func gridPayload(t *testing.T, stmt *Statement) *gridStatement {
	t.Helper()
	st, ok := stmt.Payload.(*gridStatement)
	if !ok {
		t.Fatalf("payload = %T, want *gridStatement", stmt.Payload)
	}
	return st
}

func TestGridBuild_PostgresEntityStatements(t *testing.T) {
	tests := []struct {
		name     string
		op       *Operation
		want     string
		wantArgs []any
	}{
		{
			name: "update with version check",
			op: &Operation{
				Kind:    OpUpdate,
				Table:   "orders",
				Key:     []Column{{"id", 1}},
				Columns: []Column{{"status", "paid"}, {"version", 2}},
				Version: &VersionCheck{Column: "version", Expected: 1},
			},
			want:     `update "orders" set "status" = $1, "version" = $2 where "id" = $3 and "version" = $4`,
			wantArgs: []any{"paid", int64(2), int64(1), int64(1)},
		},
		{
			name:     "delete",
			op:       &Operation{Kind: OpDelete, Table: "orders", Key: []Column{{"id", 7}}},
			want:     `delete from "orders" where "id" = $1`,
			wantArgs: []any{int64(7)},
		},
		{
			name: "find row",
			op: &Operation{
				Kind:   OpFindRow,
				Table:  "order_tags",
				Key:    []Column{{"order_id", 1}},
				RowKey: []Column{{"tag", "gift"}},
			},
			want:     `select * from "order_tags" where "order_id" = $1 and "tag" = $2 limit 1`,
			wantArgs: []any{int64(1), "gift"},
		},
	}
	g := postgresGrid()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := g.Build(tt.op)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if stmt.Native != tt.want {
				t.Errorf("Native =\n  %s\nwant\n  %s", stmt.Native, tt.want)
			}
			st := gridPayload(t, stmt)
			if len(st.args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", st.args, tt.wantArgs)
			}
			for i := range st.args {
				if st.args[i] != tt.wantArgs[i] {
					t.Errorf("args[%d] = %v (%T), want %v", i, st.args[i], st.args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestGridBuild_PostgresInsertIgnore(t *testing.T) {
	stmt, err := postgresGrid().Build(&Operation{
		Kind:    OpInsert,
		Table:   "orders",
		Columns: []Column{{"id", 1}, {"status", "open"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.HasPrefix(stmt.Native, `insert into "orders"`) {
		t.Errorf("Native = %s", stmt.Native)
	}
	if !strings.HasSuffix(stmt.Native, " on conflict do nothing") {
		t.Errorf("insert-ignore should become on conflict do nothing: %s", stmt.Native)
	}
	if strings.Contains(stmt.Native, "ignore") || !strings.Contains(stmt.Native, "$2") {
		t.Errorf("Native = %s", stmt.Native)
	}
}

func TestGridBuild_FileEngineKeepsParserSyntax(t *testing.T) {
	g := newFileGrid(t)
	stmt, err := g.Build(&Operation{
		Kind:    OpInsertRow,
		Table:   "order_tags",
		Columns: []Column{{"order_id", 1}, {"tag", "gift"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.HasPrefix(stmt.Native, "insert ignore into order_tags") || !strings.Contains(stmt.Native, ":v2") {
		t.Errorf("Native = %s", stmt.Native)
	}
	if st := gridPayload(t, stmt); st.reads {
		t.Error("an insert should not be marked as a read")
	}

	stmt, err = g.Build(&Operation{Kind: OpFetchRows, Table: "order_tags", Key: []Column{{"order_id", 1}}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if st := gridPayload(t, stmt); !st.reads {
		t.Error("fetching rows should be marked as a read")
	}
}

func TestGridBuild_Errors(t *testing.T) {
	g := postgresGrid()
	tests := []struct {
		name    string
		op      *Operation
		wantErr error
	}{
		{"generator missing", &Operation{Kind: OpNextSequence}, ErrInvalidData},
		{"query not rendered", &Operation{Kind: OpQuery, Table: "orders"}, ErrInvalidQuery},
		{"foreign query payload", &Operation{Kind: OpQuery, Query: &QueryDescriptor{Payload: "db.orders.find()"}}, ErrInvalidQuery},
		{"unknown kind", &Operation{Kind: OperationKind(99), Table: "orders"}, ErrUnsupportedOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Build(tt.op); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGridBuild_PostgresNextValue(t *testing.T) {
	g := postgresGrid()

	stmt, err := g.Build(&Operation{
		Kind:      OpNextSequence,
		Generator: &IDGenerationRequest{Source: NewSequenceSource("order_seq", 10, 5)},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if stmt.Native != "select nextval($1::regclass)" {
		t.Errorf("Native = %s", stmt.Native)
	}
	st := gridPayload(t, stmt)
	if len(st.setup) != 1 || st.setup[0] != `create sequence if not exists "order_seq" start with 10 increment by 5` {
		t.Errorf("setup = %v", st.setup)
	}
	if len(st.args) != 1 || st.args[0] != `"order_seq"` || !st.scalar {
		t.Errorf("args = %v, scalar %v", st.args, st.scalar)
	}

	stmt, err = g.Build(&Operation{
		Kind: OpNextTableValue,
		Generator: &IDGenerationRequest{
			Source: NewTableSource("id_blocks", "name", "next", 1, 1),
			Key:    "orders",
		},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	st = gridPayload(t, stmt)
	if !strings.Contains(stmt.Native, `on conflict ("name") do update set "next" = "id_blocks"."next" + $3 returning "next"`) {
		t.Errorf("Native = %s", stmt.Native)
	}
	if len(st.setup) != 1 || !strings.HasPrefix(st.setup[0], `create table if not exists "id_blocks"`) {
		t.Errorf("setup = %v", st.setup)
	}
	if len(st.args) != 3 || st.args[0] != "orders" {
		t.Errorf("args = %v", st.args)
	}
}

func TestGridBuild_FileEngineNextValueCallsRoutine(t *testing.T) {
	g := newFileGrid(t)
	stmt, err := g.Build(&Operation{
		Kind:      OpNextSequence,
		Generator: &IDGenerationRequest{Source: NewSequenceSource("order_seq", 1, 1)},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(stmt.Native, "nextval(:v1, :v2, :v3)") {
		t.Errorf("Native = %s", stmt.Native)
	}
}

func TestGridRenderQuery_Joins(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity:  "Order",
		Alias:   "o",
		Where:   Comparison{Path: Path("o.customer.name"), Op: OpEq, Value: Param{"name"}},
		OrderBy: []OrderItem{{Path: Path("o.id")}},
	})
	desc, err := postgresGrid().RenderQuery(q)
	if err != nil {
		t.Fatalf("RenderQuery failed: %v", err)
	}
	for _, want := range []string{
		`select "o".* from "orders" as "o" join "customers" as "o_customer"`,
		`on "o"."customer_id" = "o_customer"."id"`,
		`where "o_customer"."name" = $1`,
		`order by "o"."id" asc`,
	} {
		if !strings.Contains(desc.Native, want) {
			t.Errorf("Native = %s\nmissing %s", desc.Native, want)
		}
	}
	if desc.Table != "orders" {
		t.Errorf("Table = %q", desc.Table)
	}
	if _, ok := desc.Payload.(*gridQuery); !ok {
		t.Errorf("Payload = %T", desc.Payload)
	}
}

func TestGridRenderQuery_ToManyIsDistinct(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Entity: "Order",
		Alias:  "o",
		Where:  Comparison{Path: Path("o.lines.sku"), Op: OpEq, Value: Literal{"A-1"}},
	})
	desc, err := newFileGrid(t).RenderQuery(q)
	if err != nil {
		t.Fatalf("RenderQuery failed: %v", err)
	}
	if !strings.HasPrefix(desc.Native, "select distinct ") {
		t.Errorf("a to-many join should select distinct roots: %s", desc.Native)
	}

	q = mustTranslate(t, &QueryAST{
		Kind:   CountQuery,
		Entity: "Order",
		Alias:  "o",
		Where:  Comparison{Path: Path("o.lines.sku"), Op: OpEq, Value: Literal{"A-1"}},
	})
	desc, err = newFileGrid(t).RenderQuery(q)
	if err != nil {
		t.Fatalf("RenderQuery failed: %v", err)
	}
	if !strings.Contains(desc.Native, "(distinct o.id)") {
		t.Errorf("a joined count should count distinct ids: %s", desc.Native)
	}
}

func TestGridRenderQuery_Paging(t *testing.T) {
	tests := []struct {
		name        string
		first, max  int
		contains    []string
		notContains []string
	}{
		{"offset only", 2, 0, []string{" offset 2"}, []string{" limit "}},
		{"limit only", 0, 3, []string{" limit 3"}, []string{" offset "}},
		{"both", 1, 2, []string{" limit 2", " offset 1"}, nil},
		{"neither", 0, 0, nil, []string{" limit ", " offset "}},
	}
	g := postgresGrid()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := mustTranslate(t, &QueryAST{Entity: "Order", Alias: "o", FirstResult: tt.first, MaxResults: tt.max})
			desc, err := g.RenderQuery(q)
			if err != nil {
				t.Fatalf("RenderQuery failed: %v", err)
			}
			for _, s := range tt.contains {
				if !strings.Contains(desc.Native, s) {
					t.Errorf("Native = %s, missing %q", desc.Native, s)
				}
			}
			for _, s := range tt.notContains {
				if strings.Contains(desc.Native, s) {
					t.Errorf("Native = %s, should not contain %q", desc.Native, s)
				}
			}
		})
	}
}

func TestGridRenderQuery_UpdateQualifiesNothing(t *testing.T) {
	q := mustTranslate(t, &QueryAST{
		Kind:   UpdateQuery,
		Entity: "Order",
		Alias:  "o",
		Set:    []Assignment{{Path: Path("o.status"), Value: Literal{"closed"}}},
		Where:  Comparison{Path: Path("o.total"), Op: OpLt, Value: Param{"max"}},
	})
	desc, err := postgresGrid().RenderQuery(q)
	if err != nil {
		t.Fatalf("RenderQuery failed: %v", err)
	}
	if !strings.HasPrefix(desc.Native, `update "orders" set "status" = $`) {
		t.Errorf("Native = %s", desc.Native)
	}
	if !strings.Contains(desc.Native, `"orders"."total" < $`) {
		t.Errorf("filter should be qualified by the table: %s", desc.Native)
	}
}

func TestGridDecode(t *testing.T) {
	g := newFileGrid(t)
	cols, err := g.Decode(storage.Row{"status": "open", "id": 1, "note": nil}, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(cols) != 2 || cols[0].Name != "id" || cols[0].Value != int64(1) || cols[1].Name != "status" {
		t.Errorf("cols = %v", cols)
	}

	cols, err = g.Decode(columnsRecord{{"id", int64(1)}, {"note", nil}}, nil)
	if err != nil || len(cols) != 1 {
		t.Errorf("cols = %v, %v", cols, err)
	}

	if _, err := g.Decode("not a row", nil); !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData, got %v", err)
	}
}
