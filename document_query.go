package dialect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/adrianmcphee/dialect/internal/executor"
	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// docQuery is a translated query compiled for record stores. The WHERE tree
// becomes an expr program over {row: {alias: {column: value}}, p: [params]};
// comparisons use three-valued logic where nil is unknown.
type docQuery struct {
	tq      *TranslatedQuery
	filter  string
	program *exprvm.Program
	toMany  bool
	native  string
}

// queryFunctions are the three-valued helpers filter programs call.
var queryFunctions = map[string]func(params ...any) (any, error){
	"compare3": compare3,
	"member3":  member3,
	"like3":    like3,
	"null3":    null3,
	"range3":   range3,
	"and3":     and3,
	"or3":      or3,
	"not3":     not3,
}

func compileDocQuery(q *TranslatedQuery) (*docQuery, error) {
	dq := &docQuery{tq: q}
	for _, a := range q.Aliases {
		if a.Via != nil && a.Via.Kind == PropertyToMany {
			dq.toMany = true
		}
	}
	if q.Where != nil {
		src, err := exprCondition(q.Where)
		if err != nil {
			return nil, err
		}
		options := []exprlang.Option{
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
		}
		names := make([]string, 0, len(queryFunctions))
		for name := range queryFunctions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			options = append(options, exprlang.Function(name, queryFunctions[name]))
		}
		program, err := exprlang.Compile(src, options...)
		if err != nil {
			return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
				"filter": src,
				"reason": err.Error(),
			})
		}
		dq.filter = src
		dq.program = program
	}
	dq.native = dq.describe()
	return dq, nil
}

// describe renders the query plan as one line, used as the statement text.
func (dq *docQuery) describe() string {
	q := dq.tq
	var sb strings.Builder
	switch q.Kind {
	case CountQuery:
		sb.WriteString("count ")
	case UpdateQuery:
		sb.WriteString("update ")
	case DeleteQuery:
		sb.WriteString("delete ")
	default:
		sb.WriteString("scan ")
	}
	fmt.Fprintf(&sb, "%s %s", q.Root.Entity.Table, q.Root.Alias)
	for _, a := range q.Aliases {
		join := "left join"
		if a.Required {
			join = "join"
		}
		var on []string
		for _, p := range a.JoinCondition() {
			on = append(on, p.Left.String()+" == "+p.Right.String())
		}
		fmt.Fprintf(&sb, " %s %s %s on %s", join, a.Entity.Table, a.Alias, strings.Join(on, " && "))
	}
	if dq.filter != "" {
		sb.WriteString(" filter ")
		sb.WriteString(dq.filter)
	}
	for i, s := range q.Set {
		if i == 0 {
			sb.WriteString(" set ")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = p[%d]", s.Column, s.Arg)
	}
	for i, o := range q.OrderBy {
		if i == 0 {
			sb.WriteString(" sort ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.Property.String())
		if o.Descending {
			sb.WriteString(" desc")
		}
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " skip %d", q.Offset)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " take %d", q.Limit)
	}
	return sb.String()
}

func exprColumn(p PropertyIdentifier) string {
	return fmt.Sprintf("row[%s][%s]", strconv.Quote(p.Alias), strconv.Quote(p.Column))
}

func exprArg(i int) string {
	return fmt.Sprintf("p[%d]", i)
}

func exprCondition(c Condition) (string, error) {
	switch x := c.(type) {
	case CompareCond:
		return fmt.Sprintf("compare3(%s, %q, %s)", exprColumn(x.Property), string(x.Op), exprArg(x.Arg)), nil
	case InCond:
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = exprArg(a)
		}
		return fmt.Sprintf("member3(%s, %t, [%s])", exprColumn(x.Property), x.Negated, strings.Join(args, ", ")), nil
	case LikeCond:
		return fmt.Sprintf("like3(%s, %s, %t)", exprColumn(x.Property), exprArg(x.Arg), x.Negated), nil
	case NullCond:
		return fmt.Sprintf("null3(%s, %t)", exprColumn(x.Property), x.Negated), nil
	case BetweenCond:
		return fmt.Sprintf("range3(%s, %s, %s)", exprColumn(x.Property), exprArg(x.Lower), exprArg(x.Upper)), nil
	case AndCond:
		return exprTerms("and3", x.Terms)
	case OrCond:
		return exprTerms("or3", x.Terms)
	case NotCond:
		inner, err := exprCondition(x.Term)
		if err != nil {
			return "", err
		}
		return "not3(" + inner + ")", nil
	default:
		return "", &UnsupportedMappingError{Path: fmt.Sprintf("%T", c), Detail: "condition has no filter form"}
	}
}

func exprTerms(fn string, terms []Condition) (string, error) {
	parts := make([]string, len(terms))
	for i, t := range terms {
		s, err := exprCondition(t)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return fn + "(" + strings.Join(parts, ", ") + ")", nil
}

// queryRow is one combination of joined records.
type queryRow struct {
	root    *storedRecord
	aliases map[string]any
}

func (r queryRow) column(alias, column string) any {
	cols, _ := r.aliases[alias].(map[string]any)
	return cols[column]
}

// collect scans the root table, joins the other aliases parents first and
// applies the filter.
func (dq *docQuery) collect(ctx context.Context, rc recordOps, params []any) ([]queryRow, error) {
	q := dq.tq
	tables := map[string][]*storedRecord{}
	load := func(table string) ([]*storedRecord, error) {
		if recs, ok := tables[table]; ok {
			return recs, nil
		}
		recs, err := rc.scan(ctx, entityRecord, table, "")
		if err != nil {
			return nil, err
		}
		tables[table] = recs
		return recs, nil
	}

	roots, err := load(q.Root.Entity.Table)
	if err != nil {
		return nil, err
	}
	rootCodec := codecFor(q.Root.Entity)
	rows := make([]queryRow, 0, len(roots))
	for _, rec := range roots {
		cols, err := decodeDocument(rootCodec, rec.Data, q.Root.Entity.IDColumns)
		if err != nil {
			return nil, err
		}
		rows = append(rows, queryRow{root: rec, aliases: map[string]any{q.Root.Alias: columnMap(cols)}})
	}

	for _, a := range q.Aliases {
		recs, err := load(a.Entity.Table)
		if err != nil {
			return nil, err
		}
		codec := codecFor(a.Entity)
		candidates := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			cols, err := decodeDocument(codec, rec.Data, a.Entity.IDColumns)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, columnMap(cols))
		}
		rows = joinAlias(rows, a, candidates)
	}

	if dq.program == nil {
		return rows, nil
	}
	kept := rows[:0]
	for _, r := range rows {
		ok, err := dq.matches(r, params)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (dq *docQuery) matches(r queryRow, params []any) (bool, error) {
	if dq.program == nil {
		return true, nil
	}
	out, err := exprlang.Run(dq.program, map[string]any{"row": r.aliases, "p": params})
	if err != nil {
		return false, WithContext(ErrInvalidQuery, map[string]interface{}{
			"filter": dq.filter,
			"reason": err.Error(),
		})
	}
	return out == true, nil
}

// joinAlias pairs every row with the candidates matching a's join condition.
// Unmatched rows are dropped for required aliases and kept with an empty alias
// otherwise.
func joinAlias(rows []queryRow, a *AliasInfo, candidates []map[string]any) []queryRow {
	pairs := a.JoinCondition()
	out := make([]queryRow, 0, len(rows))
	for _, r := range rows {
		matched := false
		for _, c := range candidates {
			if !joinMatches(r, a.Alias, c, pairs) {
				continue
			}
			matched = true
			out = append(out, r.with(a.Alias, c))
		}
		if !matched && !a.Required {
			out = append(out, r.with(a.Alias, map[string]any{}))
		}
	}
	return out
}

func joinMatches(r queryRow, alias string, candidate map[string]any, pairs []JoinPair) bool {
	if len(pairs) == 0 {
		return false
	}
	value := func(p PropertyIdentifier) any {
		if p.Alias == alias {
			return candidate[p.Column]
		}
		return r.column(p.Alias, p.Column)
	}
	for _, p := range pairs {
		l, rv := value(p.Left), value(p.Right)
		if l == nil || rv == nil || !typedjson.Equal(l, rv) {
			return false
		}
	}
	return true
}

func (r queryRow) with(alias string, cols map[string]any) queryRow {
	aliases := make(map[string]any, len(r.aliases)+1)
	for k, v := range r.aliases {
		aliases[k] = v
	}
	aliases[alias] = cols
	return queryRow{root: r.root, aliases: aliases}
}

// run executes a select or count query.
func (dq *docQuery) run(ctx context.Context, rc recordOps, params []any) (*Result, error) {
	q := dq.tq
	rows, err := dq.collect(ctx, rc, params)
	if err != nil {
		return nil, err
	}

	if q.Kind == CountQuery {
		seen := map[string]bool{}
		for _, r := range rows {
			seen[r.root.Ref.ID] = true
		}
		return &Result{Records: newSliceCursor([]Record{columnsRecord{{Name: "count", Value: int64(len(seen))}}})}, nil
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := executor.CompareNullsFirst(
					rows[i].column(o.Property.Alias, o.Property.Column),
					rows[j].column(o.Property.Alias, o.Property.Column),
				)
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	records := make([]Record, 0, len(rows))
	seen := map[string]bool{}
	for _, r := range rows {
		rec := dq.project(r)
		if dq.toMany {
			k := canonicalValues(columnValues(rec))
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		records = append(records, rec)
	}

	if q.Offset > 0 {
		if q.Offset >= len(records) {
			records = nil
		} else {
			records = records[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(records) {
		records = records[:q.Limit]
	}
	return &Result{Records: newSliceCursor(records)}, nil
}

func (dq *docQuery) project(r queryRow) columnsRecord {
	q := dq.tq
	if len(q.Projection) == 0 {
		cols, _ := r.aliases[q.Root.Alias].(map[string]any)
		return columnsRecord(sortedColumns(cols))
	}
	rec := make(columnsRecord, len(q.Projection))
	for i, p := range q.Projection {
		rec[i] = Column{Name: p.Column, Value: r.column(p.Alias, p.Column)}
	}
	return rec
}

// apply executes an update or delete query and returns the affected count.
// Updates re-check the filter against the record they swap.
func (dq *docQuery) apply(ctx context.Context, b *DocumentBackend, rc recordOps, params []any) (int64, error) {
	q := dq.tq
	rows, err := dq.collect(ctx, rc, params)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, r := range rows {
		if q.Kind == DeleteQuery {
			removed, err := rc.remove(ctx, r.root.Ref)
			if err != nil {
				return n, err
			}
			n += affected(removed)
			continue
		}

		var evalErr error
		written, err := b.mutate(ctx, rc, r.root.Ref, codecFor(q.Root.Entity), q.Root.Entity.IDColumns, func(cols []Column) ([]Column, bool) {
			fresh := queryRow{root: r.root, aliases: map[string]any{q.Root.Alias: columnMap(cols)}}
			ok, err := dq.matches(fresh, params)
			if err != nil {
				evalErr = err
				return nil, false
			}
			if !ok {
				return nil, false
			}
			changes := make([]Column, len(q.Set))
			for i, s := range q.Set {
				changes[i] = Column{Name: s.Column, Value: params[s.Arg]}
			}
			return mergeColumns(cols, changes), true
		})
		if err != nil {
			return n, err
		}
		if evalErr != nil {
			return n, evalErr
		}
		n += affected(written)
	}
	return n, nil
}

// Three-valued helpers. nil stands for unknown.

func compare3(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("compare3 expects 3 arguments, got %d", len(params))
	}
	a, b := typedjson.Normalize(params[0]), typedjson.Normalize(params[2])
	if a == nil || b == nil {
		return nil, nil
	}
	op, _ := params[1].(string)
	switch ComparisonOp(op) {
	case OpEq:
		return typedjson.Equal(a, b), nil
	case OpNe:
		return !typedjson.Equal(a, b), nil
	}
	c, ok := typedjson.Compare(a, b)
	if !ok {
		return nil, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	switch ComparisonOp(op) {
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

func member3(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("member3 expects 3 arguments, got %d", len(params))
	}
	v := typedjson.Normalize(params[0])
	negated, _ := params[1].(bool)
	list, _ := params[2].([]any)
	if v == nil {
		return nil, nil
	}
	sawNull := false
	for _, item := range list {
		item = typedjson.Normalize(item)
		if item == nil {
			sawNull = true
			continue
		}
		if typedjson.Equal(v, item) {
			return !negated, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return negated, nil
}

func like3(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("like3 expects 3 arguments, got %d", len(params))
	}
	if params[0] == nil || params[1] == nil {
		return nil, nil
	}
	s, ok1 := params[0].(string)
	pattern, ok2 := params[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("like requires strings, got %T and %T", params[0], params[1])
	}
	negated, _ := params[2].(bool)
	return executor.MatchLike(s, pattern) != negated, nil
}

func null3(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("null3 expects 2 arguments, got %d", len(params))
	}
	negated, _ := params[1].(bool)
	return (params[0] == nil) != negated, nil
}

func range3(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("range3 expects 3 arguments, got %d", len(params))
	}
	lower, err := compare3(params[0], string(OpGe), params[1])
	if err != nil {
		return nil, err
	}
	upper, err := compare3(params[0], string(OpLe), params[2])
	if err != nil {
		return nil, err
	}
	return and3(lower, upper)
}

func and3(params ...any) (any, error) {
	unknown := false
	for _, p := range params {
		switch p {
		case false:
			return false, nil
		case nil:
			unknown = true
		}
	}
	if unknown {
		return nil, nil
	}
	return true, nil
}

func or3(params ...any) (any, error) {
	unknown := false
	for _, p := range params {
		switch p {
		case true:
			return true, nil
		case nil:
			unknown = true
		}
	}
	if unknown {
		return nil, nil
	}
	return false, nil
}

func not3(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("not3 expects 1 argument, got %d", len(params))
	}
	switch params[0] {
	case true:
		return false, nil
	case false:
		return true, nil
	}
	return nil, nil
}
