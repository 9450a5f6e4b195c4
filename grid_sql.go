package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adrianmcphee/dialect/internal/typedjson"
	"github.com/xwb1989/sqlparser"
)

// sqlBuilder assembles one SQL statement, collecting bind values as it goes.
// Values are referenced as :v1, :v2, ... in the AST.
type sqlBuilder struct {
	args []any
}

// arg binds v and returns its placeholder.
func (b *sqlBuilder) arg(v any) sqlparser.Expr {
	b.args = append(b.args, typedjson.Normalize(v))
	return sqlparser.NewValArg([]byte(":v" + strconv.Itoa(len(b.args))))
}

// bindName returns the executor-side name of the n-th placeholder (1-based).
func bindName(n int) string {
	return "v" + strconv.Itoa(n)
}

func sqlTable(table, alias string) *sqlparser.AliasedTableExpr {
	t := &sqlparser.AliasedTableExpr{Expr: sqlparser.TableName{Name: sqlparser.NewTableIdent(table)}}
	if alias != "" {
		t.As = sqlparser.NewTableIdent(alias)
	}
	return t
}

func sqlColumn(qualifier, name string) *sqlparser.ColName {
	c := &sqlparser.ColName{Name: sqlparser.NewColIdent(name)}
	if qualifier != "" {
		c.Qualifier = sqlparser.TableName{Name: sqlparser.NewTableIdent(qualifier)}
	}
	return c
}

func sqlAnd(terms []sqlparser.Expr) sqlparser.Expr {
	if len(terms) == 0 {
		return nil
	}
	out := terms[0]
	for _, t := range terms[1:] {
		out = &sqlparser.AndExpr{Left: out, Right: t}
	}
	return out
}

func sqlWhere(terms []sqlparser.Expr) *sqlparser.Where {
	expr := sqlAnd(terms)
	if expr == nil {
		return nil
	}
	return sqlparser.NewWhere(sqlparser.WhereStr, expr)
}

// equalities matches every column against a bound value.
func (b *sqlBuilder) equalities(qualifier string, cols []Column) []sqlparser.Expr {
	terms := make([]sqlparser.Expr, 0, len(cols))
	for _, c := range cols {
		terms = append(terms, &sqlparser.ComparisonExpr{
			Operator: sqlparser.EqualStr,
			Left:     sqlColumn(qualifier, c.Name),
			Right:    b.arg(c.Value),
		})
	}
	return terms
}

// rowFilter selects the rows of one association, or one row when op.RowKey is set.
func (b *sqlBuilder) rowFilter(op *Operation) []sqlparser.Expr {
	terms := b.equalities("", op.Key)
	return append(terms, b.equalities("", op.RowKey)...)
}

func (b *sqlBuilder) selectAll(table string, where []sqlparser.Expr, limit int) *sqlparser.Select {
	sel := &sqlparser.Select{
		SelectExprs: sqlparser.SelectExprs{&sqlparser.StarExpr{}},
		From:        sqlparser.TableExprs{sqlTable(table, "")},
		Where:       sqlWhere(where),
	}
	if limit > 0 {
		sel.Limit = &sqlparser.Limit{Rowcount: sqlparser.NewIntVal([]byte(strconv.Itoa(limit)))}
	}
	return sel
}

// insertIgnore writes one row unless its key exists. Engines report zero affected
// rows for the skipped case.
func (b *sqlBuilder) insertIgnore(table string, cols []Column) *sqlparser.Insert {
	names := make(sqlparser.Columns, len(cols))
	values := make(sqlparser.ValTuple, len(cols))
	for i, c := range cols {
		names[i] = sqlparser.NewColIdent(c.Name)
		values[i] = b.arg(c.Value)
	}
	return &sqlparser.Insert{
		Action:  sqlparser.InsertStr,
		Ignore:  sqlparser.IgnoreStr,
		Table:   sqlparser.TableName{Name: sqlparser.NewTableIdent(table)},
		Columns: names,
		Rows:    sqlparser.Values{values},
	}
}

func (b *sqlBuilder) update(table string, cols []Column, where []sqlparser.Expr) *sqlparser.Update {
	exprs := make(sqlparser.UpdateExprs, len(cols))
	for i, c := range cols {
		exprs[i] = &sqlparser.UpdateExpr{Name: sqlColumn("", c.Name), Expr: b.arg(c.Value)}
	}
	return &sqlparser.Update{
		TableExprs: sqlparser.TableExprs{sqlTable(table, "")},
		Exprs:      exprs,
		Where:      sqlWhere(where),
	}
}

func sqlDelete(table string, where *sqlparser.Where) *sqlparser.Delete {
	return &sqlparser.Delete{
		TableExprs: sqlparser.TableExprs{sqlTable(table, "")},
		Where:      where,
	}
}

// routineCall selects one stored routine result as column "value".
func (b *sqlBuilder) routineCall(name string, args ...any) *sqlparser.Select {
	exprs := make(sqlparser.SelectExprs, len(args))
	for i, a := range args {
		exprs[i] = &sqlparser.AliasedExpr{Expr: b.arg(a)}
	}
	return &sqlparser.Select{
		SelectExprs: sqlparser.SelectExprs{&sqlparser.AliasedExpr{
			Expr: &sqlparser.FuncExpr{Name: sqlparser.NewColIdent(name), Exprs: exprs},
			As:   sqlparser.NewColIdent("value"),
		}},
		From: sqlparser.TableExprs{sqlTable("dual", "")},
	}
}

// entityStatement builds the SQL for the entity and row operation kinds.
func (b *sqlBuilder) entityStatement(op *Operation) (sqlparser.Statement, error) {
	switch op.Kind {
	case OpFetch:
		return b.selectAll(op.Table, b.equalities("", op.Key), 0), nil
	case OpInsert, OpInsertRow:
		return b.insertIgnore(op.Table, op.Columns), nil
	case OpUpdate:
		// Filter values are bound after the SET values, in statement order.
		upd := b.update(op.Table, op.Columns, nil)
		where := b.equalities("", op.Key)
		if op.Version != nil {
			where = append(where, &sqlparser.ComparisonExpr{
				Operator: sqlparser.EqualStr,
				Left:     sqlColumn("", op.Version.Column),
				Right:    b.arg(op.Version.Expected),
			})
		}
		upd.Where = sqlWhere(where)
		return upd, nil
	case OpDelete:
		return sqlDelete(op.Table, sqlWhere(b.equalities("", op.Key))), nil
	case OpFetchRows:
		return b.selectAll(op.Table, b.rowFilter(op), 0), nil
	case OpFindRow:
		return b.selectAll(op.Table, b.rowFilter(op), 1), nil
	case OpUpdateRow:
		upd := b.update(op.Table, op.Columns, nil)
		upd.Where = sqlWhere(b.rowFilter(op))
		return upd, nil
	case OpDeleteRow, OpClearRows:
		return sqlDelete(op.Table, sqlWhere(b.rowFilter(op))), nil
	default:
		return nil, WithContext(ErrUnsupportedOp, map[string]interface{}{
			"operation": op.Kind.String(),
			"table":     op.Table,
		})
	}
}

// gridQuery is the compiled form of a translated query for SQL engines.
type gridQuery struct {
	ast sqlparser.Statement
}

// unboundedRows stands in for an absent LIMIT when only an offset is given.
const unboundedRows = "9223372036854775807"

// buildQuery assembles the SQL AST of a translated query. Parameter slot i is
// bound as :v(i+1).
func buildQuery(q *TranslatedQuery) (sqlparser.Statement, error) {
	root := q.Root
	arg := func(i int) sqlparser.Expr {
		return sqlparser.NewValArg([]byte(":" + bindName(i+1)))
	}

	switch q.Kind {
	case UpdateQuery, DeleteQuery:
		// Single-table statements qualify columns with the table name.
		where, err := sqlCondition(q.Where, arg, func(p PropertyIdentifier) string { return root.Entity.Table })
		if err != nil {
			return nil, err
		}
		var w *sqlparser.Where
		if where != nil {
			w = sqlparser.NewWhere(sqlparser.WhereStr, where)
		}
		if q.Kind == DeleteQuery {
			return sqlDelete(root.Entity.Table, w), nil
		}
		exprs := make(sqlparser.UpdateExprs, len(q.Set))
		for i, s := range q.Set {
			exprs[i] = &sqlparser.UpdateExpr{Name: sqlColumn("", s.Column), Expr: arg(s.Arg)}
		}
		return &sqlparser.Update{
			TableExprs: sqlparser.TableExprs{sqlTable(root.Entity.Table, "")},
			Exprs:      exprs,
			Where:      w,
		}, nil
	}

	var from sqlparser.TableExpr = sqlTable(root.Entity.Table, root.Alias)
	toMany := false
	for _, a := range q.Aliases {
		var on []sqlparser.Expr
		for _, p := range a.JoinCondition() {
			on = append(on, &sqlparser.ComparisonExpr{
				Operator: sqlparser.EqualStr,
				Left:     sqlColumn(p.Left.Alias, p.Left.Column),
				Right:    sqlColumn(p.Right.Alias, p.Right.Column),
			})
		}
		join := sqlparser.LeftJoinStr
		if a.Required {
			join = sqlparser.JoinStr
		}
		if a.Via != nil && a.Via.Kind == PropertyToMany {
			toMany = true
		}
		from = &sqlparser.JoinTableExpr{
			LeftExpr:  from,
			Join:      join,
			RightExpr: sqlTable(a.Entity.Table, a.Alias),
			Condition: sqlparser.JoinCondition{On: sqlAnd(on)},
		}
	}

	where, err := sqlCondition(q.Where, arg, func(p PropertyIdentifier) string { return p.Alias })
	if err != nil {
		return nil, err
	}
	sel := &sqlparser.Select{From: sqlparser.TableExprs{from}}
	if where != nil {
		sel.Where = sqlparser.NewWhere(sqlparser.WhereStr, where)
	}

	if q.Kind == CountQuery {
		count := &sqlparser.FuncExpr{Name: sqlparser.NewColIdent("count")}
		if len(q.Aliases) > 0 {
			count.Distinct = true
			count.Exprs = sqlparser.SelectExprs{&sqlparser.AliasedExpr{Expr: sqlColumn(root.Alias, root.Entity.IDColumns[0])}}
		} else {
			count.Exprs = sqlparser.SelectExprs{&sqlparser.StarExpr{}}
		}
		sel.SelectExprs = sqlparser.SelectExprs{&sqlparser.AliasedExpr{Expr: count, As: sqlparser.NewColIdent("count")}}
		return sel, nil
	}

	if len(q.Projection) == 0 {
		sel.SelectExprs = sqlparser.SelectExprs{&sqlparser.StarExpr{TableName: sqlparser.TableName{Name: sqlparser.NewTableIdent(root.Alias)}}}
	} else {
		for _, p := range q.Projection {
			sel.SelectExprs = append(sel.SelectExprs, &sqlparser.AliasedExpr{
				Expr: sqlColumn(p.Alias, p.Column),
				As:   sqlparser.NewColIdent(p.Column),
			})
		}
	}
	if toMany {
		sel.Distinct = sqlparser.DistinctStr
	}
	for _, o := range q.OrderBy {
		dir := sqlparser.AscScr
		if o.Descending {
			dir = sqlparser.DescScr
		}
		sel.OrderBy = append(sel.OrderBy, &sqlparser.Order{Expr: sqlColumn(o.Property.Alias, o.Property.Column), Direction: dir})
	}
	if q.Limit > 0 || q.Offset > 0 {
		limit := &sqlparser.Limit{Rowcount: sqlparser.NewIntVal([]byte(unboundedRows))}
		if q.Limit > 0 {
			limit.Rowcount = sqlparser.NewIntVal([]byte(strconv.Itoa(q.Limit)))
		}
		if q.Offset > 0 {
			limit.Offset = sqlparser.NewIntVal([]byte(strconv.Itoa(q.Offset)))
		}
		sel.Limit = limit
	}
	return sel, nil
}

// sqlCondition converts a resolved WHERE tree. qualify picks the qualifier of
// each referenced column.
func sqlCondition(c Condition, arg func(int) sqlparser.Expr, qualify func(PropertyIdentifier) string) (sqlparser.Expr, error) {
	col := func(p PropertyIdentifier) *sqlparser.ColName { return sqlColumn(qualify(p), p.Column) }
	list := func(terms []Condition, join func(l, r sqlparser.Expr) sqlparser.Expr) (sqlparser.Expr, error) {
		var out sqlparser.Expr
		for _, t := range terms {
			e, err := sqlCondition(t, arg, qualify)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue
			}
			if out == nil {
				out = e
				continue
			}
			out = join(out, e)
		}
		if out == nil {
			return nil, nil
		}
		return &sqlparser.ParenExpr{Expr: out}, nil
	}

	switch x := c.(type) {
	case nil:
		return nil, nil
	case CompareCond:
		return &sqlparser.ComparisonExpr{Operator: compareOperator(x.Op), Left: col(x.Property), Right: arg(x.Arg)}, nil
	case InCond:
		tuple := make(sqlparser.ValTuple, len(x.Args))
		for i, a := range x.Args {
			tuple[i] = arg(a)
		}
		op := sqlparser.InStr
		if x.Negated {
			op = sqlparser.NotInStr
		}
		return &sqlparser.ComparisonExpr{Operator: op, Left: col(x.Property), Right: tuple}, nil
	case LikeCond:
		op := sqlparser.LikeStr
		if x.Negated {
			op = sqlparser.NotLikeStr
		}
		return &sqlparser.ComparisonExpr{Operator: op, Left: col(x.Property), Right: arg(x.Arg)}, nil
	case NullCond:
		op := sqlparser.IsNullStr
		if x.Negated {
			op = sqlparser.IsNotNullStr
		}
		return &sqlparser.IsExpr{Operator: op, Expr: col(x.Property)}, nil
	case BetweenCond:
		return &sqlparser.RangeCond{Operator: sqlparser.BetweenStr, Left: col(x.Property), From: arg(x.Lower), To: arg(x.Upper)}, nil
	case AndCond:
		return list(x.Terms, func(l, r sqlparser.Expr) sqlparser.Expr { return &sqlparser.AndExpr{Left: l, Right: r} })
	case OrCond:
		return list(x.Terms, func(l, r sqlparser.Expr) sqlparser.Expr { return &sqlparser.OrExpr{Left: l, Right: r} })
	case NotCond:
		e, err := sqlCondition(x.Term, arg, qualify)
		if err != nil || e == nil {
			return nil, err
		}
		return &sqlparser.NotExpr{Expr: &sqlparser.ParenExpr{Expr: e}}, nil
	default:
		return nil, WithContext(ErrInvalidQuery, map[string]interface{}{"condition": fmt.Sprintf("%T", c)})
	}
}

func compareOperator(op ComparisonOp) string {
	switch op {
	case OpNe:
		return sqlparser.NotEqualStr
	case OpLt:
		return sqlparser.LessThanStr
	case OpLe:
		return sqlparser.LessEqualStr
	case OpGt:
		return sqlparser.GreaterThanStr
	case OpGe:
		return sqlparser.GreaterEqualStr
	default:
		return sqlparser.EqualStr
	}
}

// postgresFormatter renders the AST in Postgres syntax: double-quoted
// identifiers, $N placeholders, ON CONFLICT DO NOTHING for insert-ignore and
// LIMIT/OFFSET.
func postgresFormatter(buf *sqlparser.TrackedBuffer, node sqlparser.SQLNode) {
	switch n := node.(type) {
	case sqlparser.ColIdent:
		writeQuoted(buf, n.String())
	case sqlparser.TableIdent:
		writeQuoted(buf, n.String())
	case *sqlparser.SQLVal:
		if n.Type == sqlparser.ValArg {
			buf.WriteString("$" + strings.TrimPrefix(string(n.Val), ":v"))
			return
		}
		n.Format(buf)
	case *sqlparser.Insert:
		if n.Ignore == "" {
			n.Format(buf)
			return
		}
		plain := *n
		plain.Ignore = ""
		plain.Format(buf)
		buf.WriteString(" on conflict do nothing")
	case *sqlparser.Limit:
		if n == nil {
			return
		}
		if rc, ok := n.Rowcount.(*sqlparser.SQLVal); !ok || string(rc.Val) != unboundedRows {
			buf.Myprintf(" limit %v", n.Rowcount)
		}
		if n.Offset != nil {
			buf.Myprintf(" offset %v", n.Offset)
		}
	default:
		node.Format(buf)
	}
}

func writeQuoted(buf *sqlparser.TrackedBuffer, id string) {
	buf.WriteByte('"')
	buf.WriteString(strings.ReplaceAll(id, `"`, `""`))
	buf.WriteByte('"')
}

// formatSQL renders node with formatter, or in the engine's own syntax when nil.
func formatSQL(node sqlparser.SQLNode, formatter sqlparser.NodeFormatter) string {
	if formatter == nil {
		return sqlparser.String(node)
	}
	buf := sqlparser.NewTrackedBuffer(formatter)
	buf.Myprintf("%v", node)
	return buf.String()
}
