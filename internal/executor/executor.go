// Package executor parses and executes SQL statements against the storage layer.
package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adrianmcphee/dialect/internal/storage"
	"github.com/adrianmcphee/dialect/internal/typedjson"
	"github.com/xwb1989/sqlparser"
)

// Result represents the result of executing a SQL statement
type Result struct {
	Columns      []string
	Rows         []storage.Row
	RowsAffected int64
	Message      string
}

// Executor executes SQL statements
type Executor struct {
	store    *storage.Store
	routines *RoutineRegistry
}

// NewExecutor creates a new SQL executor. A nil registry gets the default routines.
func NewExecutor(store *storage.Store, routines *RoutineRegistry) *Executor {
	if routines == nil {
		routines = DefaultRoutines()
	}
	return &Executor{store: store, routines: routines}
}

// Routines returns the stored routine registry
func (e *Executor) Routines() *RoutineRegistry {
	return e.routines
}

// Execute parses and executes a SQL statement inside tx. Bind variables are
// referenced as :name and looked up without the colon.
func (e *Executor) Execute(tx *storage.Tx, sql string, bindVars map[string]any) (*Result, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return &Result{Message: "OK"}, nil
	}

	// Remove trailing semicolon for parser
	sql = strings.TrimSuffix(sql, ";")

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return e.ExecuteStatement(tx, stmt, bindVars)
}

// ExecuteStatement executes an already parsed statement inside tx.
func (e *Executor) ExecuteStatement(tx *storage.Tx, stmt sqlparser.Statement, bindVars map[string]any) (*Result, error) {
	ec := &evalContext{tx: tx, bindVars: bindVars, routines: e.routines}
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return e.executeSelect(ec, s)
	case *sqlparser.Insert:
		return e.executeInsert(ec, s)
	case *sqlparser.Update:
		return e.executeUpdate(ec, s)
	case *sqlparser.Delete:
		return e.executeDelete(ec, s)
	default:
		return nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
}

type evalContext struct {
	tx       *storage.Tx
	bindVars map[string]any
	routines *RoutineRegistry
}

// env binds table aliases to the rows of one candidate result.
type env struct {
	order []string
	rows  map[string]storage.Row
}

func newEnv() env {
	return env{rows: map[string]storage.Row{}}
}

func (v env) with(alias string, row storage.Row) env {
	out := env{order: append(append([]string(nil), v.order...), alias), rows: make(map[string]storage.Row, len(v.rows)+1)}
	for k, r := range v.rows {
		out.rows[k] = r
	}
	out.rows[alias] = row
	return out
}

func (v env) merge(o env) env {
	out := v
	for _, a := range o.order {
		out = out.with(a, o.rows[a])
	}
	return out
}

func (v env) column(qualifier, name string) any {
	if qualifier != "" {
		return v.rows[qualifier][name]
	}
	for _, a := range v.order {
		if val, ok := v.rows[a][name]; ok {
			return val
		}
	}
	return nil
}

// executeSelect handles SELECT statements
func (e *Executor) executeSelect(ec *evalContext, stmt *sqlparser.Select) (*Result, error) {
	envs, err := e.fromClause(ec, stmt.From)
	if err != nil {
		return nil, err
	}

	// Apply WHERE clause filter
	if stmt.Where != nil {
		filtered := envs[:0:0]
		for _, v := range envs {
			ok, err := matches(ec, stmt.Where.Expr, v)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, v)
			}
		}
		envs = filtered
	}

	if isAggregate(stmt.SelectExprs) {
		row, cols, err := aggregate(ec, stmt.SelectExprs, envs)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: cols, Rows: []storage.Row{row}, Message: "SELECT 1"}, nil
	}

	if len(stmt.OrderBy) > 0 {
		if err := sortEnvs(ec, stmt.OrderBy, envs); err != nil {
			return nil, err
		}
	}

	var rows []storage.Row
	var columns []string
	seen := map[string]bool{}
	for _, v := range envs {
		row, cols, err := project(ec, stmt.SelectExprs, v)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue
		}
		if columns == nil {
			columns = cols
		}
		if stmt.Distinct != "" {
			key, err := typedjson.MarshalMap(row)
			if err != nil {
				return nil, err
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
		}
		rows = append(rows, row)
	}

	rows, err = applyLimit(ec, stmt.Limit, rows)
	if err != nil {
		return nil, err
	}

	return &Result{
		Columns: columns,
		Rows:    rows,
		Message: fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

// fromClause expands the FROM list into candidate environments. A comma list is
// a cross product.
func (e *Executor) fromClause(ec *evalContext, from sqlparser.TableExprs) ([]env, error) {
	envs := []env{newEnv()}
	for _, te := range from {
		right, err := e.tableExpr(ec, te)
		if err != nil {
			return nil, err
		}
		var next []env
		for _, l := range envs {
			for _, r := range right {
				next = append(next, l.merge(r))
			}
		}
		envs = next
	}
	return envs, nil
}

func (e *Executor) tableExpr(ec *evalContext, te sqlparser.TableExpr) ([]env, error) {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		tableName, alias, err := aliasedTable(t)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(tableName, "dual") {
			return []env{newEnv()}, nil
		}
		rows, err := ec.tx.Rows(tableName)
		if err != nil {
			return nil, err
		}
		out := make([]env, len(rows))
		for i, row := range rows {
			out[i] = newEnv().with(alias, row)
		}
		return out, nil

	case *sqlparser.JoinTableExpr:
		left, err := e.tableExpr(ec, t.LeftExpr)
		if err != nil {
			return nil, err
		}
		right, err := e.tableExpr(ec, t.RightExpr)
		if err != nil {
			return nil, err
		}
		var rightAliases []string
		if a, ok := t.RightExpr.(*sqlparser.AliasedTableExpr); ok {
			_, alias, _ := aliasedTable(a)
			rightAliases = []string{alias}
		}
		switch t.Join {
		case sqlparser.JoinStr, sqlparser.LeftJoinStr:
		default:
			return nil, fmt.Errorf("unsupported join type: %s", t.Join)
		}

		var out []env
		for _, l := range left {
			matched := false
			for _, r := range right {
				m := l.merge(r)
				if t.Condition.On != nil {
					ok, err := matches(ec, t.Condition.On, m)
					if err != nil {
						return nil, err
					}
					if !ok {
						continue
					}
				}
				matched = true
				out = append(out, m)
			}
			if !matched && t.Join == sqlparser.LeftJoinStr {
				m := l
				for _, a := range rightAliases {
					m = m.with(a, nil)
				}
				out = append(out, m)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported table expression: %T", te)
	}
}

func aliasedTable(t *sqlparser.AliasedTableExpr) (string, string, error) {
	tbl, ok := t.Expr.(sqlparser.TableName)
	if !ok {
		return "", "", fmt.Errorf("could not determine table name")
	}
	name := tbl.Name.String()
	alias := name
	if !t.As.IsEmpty() {
		alias = t.As.String()
	}
	return name, alias, nil
}

func isAggregate(exprs sqlparser.SelectExprs) bool {
	for _, se := range exprs {
		if ae, ok := se.(*sqlparser.AliasedExpr); ok {
			if f, ok := ae.Expr.(*sqlparser.FuncExpr); ok && f.Name.Lowered() == "count" {
				return true
			}
		}
	}
	return false
}

// aggregate evaluates count(*) and count(distinct expr) over the filtered rows.
func aggregate(ec *evalContext, exprs sqlparser.SelectExprs, envs []env) (storage.Row, []string, error) {
	row := storage.Row{}
	var cols []string
	for _, se := range exprs {
		ae, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, nil, fmt.Errorf("unsupported aggregate select expression: %s", sqlparser.String(se))
		}
		f, ok := ae.Expr.(*sqlparser.FuncExpr)
		if !ok || f.Name.Lowered() != "count" {
			return nil, nil, fmt.Errorf("cannot mix aggregates and plain columns: %s", sqlparser.String(se))
		}
		var n int64
		if len(f.Exprs) == 1 {
			if _, star := f.Exprs[0].(*sqlparser.StarExpr); star {
				n = int64(len(envs))
			}
		}
		if n == 0 && len(f.Exprs) == 1 {
			arg, ok := f.Exprs[0].(*sqlparser.AliasedExpr)
			if ok {
				distinct := map[string]bool{}
				for _, v := range envs {
					val, err := eval(ec, arg.Expr, v)
					if err != nil {
						return nil, nil, err
					}
					if val == nil {
						continue
					}
					if f.Distinct {
						k := typedjson.String(val)
						if distinct[k] {
							continue
						}
						distinct[k] = true
					}
					n++
				}
			}
		}
		name := columnName(ae)
		row[name] = n
		cols = append(cols, name)
	}
	return row, cols, nil
}

func columnName(ae *sqlparser.AliasedExpr) string {
	if !ae.As.IsEmpty() {
		return ae.As.String()
	}
	if c, ok := ae.Expr.(*sqlparser.ColName); ok {
		return c.Name.String()
	}
	return sqlparser.String(ae.Expr)
}

// project builds one output row. A qualified star over a missing outer-joined
// row yields nothing.
func project(ec *evalContext, exprs sqlparser.SelectExprs, v env) (storage.Row, []string, error) {
	out := storage.Row{}
	var cols []string
	for _, se := range exprs {
		switch s := se.(type) {
		case *sqlparser.StarExpr:
			var sources []string
			if s.TableName.IsEmpty() {
				sources = v.order
			} else {
				sources = []string{s.TableName.Name.String()}
			}
			for _, a := range sources {
				row := v.rows[a]
				if row == nil {
					continue
				}
				for k, val := range row {
					out[k] = val
				}
			}
			for k := range out {
				cols = append(cols, k)
			}
			sort.Strings(cols)
		case *sqlparser.AliasedExpr:
			val, err := eval(ec, s.Expr, v)
			if err != nil {
				return nil, nil, err
			}
			name := columnName(s)
			out[name] = val
			cols = append(cols, name)
		default:
			return nil, nil, fmt.Errorf("unsupported select expression: %s", sqlparser.String(se))
		}
	}
	return out, cols, nil
}

func sortEnvs(ec *evalContext, orderBy sqlparser.OrderBy, envs []env) error {
	keys := make([][]any, len(envs))
	for i, v := range envs {
		keys[i] = make([]any, len(orderBy))
		for j, o := range orderBy {
			val, err := eval(ec, o.Expr, v)
			if err != nil {
				return err
			}
			keys[i][j] = val
		}
	}
	idx := make([]int, len(envs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for j, o := range orderBy {
			c := CompareNullsFirst(keys[idx[a]][j], keys[idx[b]][j])
			if c == 0 {
				continue
			}
			if o.Direction == sqlparser.DescScr {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	sorted := make([]env, len(envs))
	for i, k := range idx {
		sorted[i] = envs[k]
	}
	copy(envs, sorted)
	return nil
}

// CompareNullsFirst orders values the way ORDER BY does: nulls sort first and
// values of unrelated types fall back to their string form.
func CompareNullsFirst(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := typedjson.Compare(a, b); ok {
		return c
	}
	return strings.Compare(typedjson.String(a), typedjson.String(b))
}

func applyLimit(ec *evalContext, limit *sqlparser.Limit, rows []storage.Row) ([]storage.Row, error) {
	if limit == nil {
		return rows, nil
	}
	offset := int64(0)
	if limit.Offset != nil {
		v, err := eval(ec, limit.Offset, newEnv())
		if err != nil {
			return nil, err
		}
		n, ok := v.(int64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("invalid offset %v", v)
		}
		offset = n
	}
	if offset >= int64(len(rows)) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit.Rowcount != nil {
		v, err := eval(ec, limit.Rowcount, newEnv())
		if err != nil {
			return nil, err
		}
		n, ok := v.(int64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("invalid row count %v", v)
		}
		if n < int64(len(rows)) {
			rows = rows[:n]
		}
	}
	return rows, nil
}

// executeInsert handles INSERT statements. INSERT IGNORE skips rows whose
// primary key already exists and reports them as unaffected.
func (e *Executor) executeInsert(ec *evalContext, stmt *sqlparser.Insert) (*Result, error) {
	tableName := stmt.Table.Name.String()

	var columns []string
	for _, col := range stmt.Columns {
		columns = append(columns, col.String())
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("only VALUES clause supported for INSERT")
	}

	var affected int64
	for _, valTuple := range rows {
		if len(valTuple) != len(columns) {
			return nil, fmt.Errorf("column count %d does not match value count %d", len(columns), len(valTuple))
		}
		row := make(storage.Row, len(columns))
		for i, val := range valTuple {
			v, err := eval(ec, val, newEnv())
			if err != nil {
				return nil, err
			}
			row[columns[i]] = v
		}

		inserted, err := ec.tx.Insert(tableName, row)
		if err != nil {
			return nil, err
		}
		if !inserted {
			if stmt.Ignore == "" {
				return nil, fmt.Errorf("duplicate primary key in table %s", tableName)
			}
			continue
		}
		affected++
	}

	return &Result{
		RowsAffected: affected,
		Message:      fmt.Sprintf("INSERT 0 %d", affected),
	}, nil
}

func singleTable(exprs sqlparser.TableExprs) (string, string, error) {
	if len(exprs) != 1 {
		return "", "", fmt.Errorf("only single table statements supported")
	}
	t, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", "", fmt.Errorf("could not determine table name")
	}
	return aliasedTable(t)
}

// executeUpdate handles UPDATE statements
func (e *Executor) executeUpdate(ec *evalContext, stmt *sqlparser.Update) (*Result, error) {
	tableName, alias, err := singleTable(stmt.TableExprs)
	if err != nil {
		return nil, err
	}

	rows, err := ec.tx.Rows(tableName)
	if err != nil {
		return nil, err
	}

	var affected int64
	for _, row := range rows {
		v := newEnv().with(alias, row)
		if stmt.Where != nil {
			ok, err := matches(ec, stmt.Where.Expr, v)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		updates := make(storage.Row, len(stmt.Exprs))
		for _, expr := range stmt.Exprs {
			val, err := eval(ec, expr.Expr, v)
			if err != nil {
				return nil, err
			}
			updates[expr.Name.Name.String()] = val
		}
		for k, val := range updates {
			row[k] = val
		}
		affected++
	}
	if affected > 0 {
		ec.tx.Replace(tableName, rows)
	}

	return &Result{
		RowsAffected: affected,
		Message:      fmt.Sprintf("UPDATE %d", affected),
	}, nil
}

// executeDelete handles DELETE statements
func (e *Executor) executeDelete(ec *evalContext, stmt *sqlparser.Delete) (*Result, error) {
	tableName, alias, err := singleTable(stmt.TableExprs)
	if err != nil {
		return nil, err
	}

	rows, err := ec.tx.Rows(tableName)
	if err != nil {
		return nil, err
	}

	kept := make([]storage.Row, 0, len(rows))
	var affected int64
	for _, row := range rows {
		if stmt.Where != nil {
			ok, err := matches(ec, stmt.Where.Expr, newEnv().with(alias, row))
			if err != nil {
				return nil, err
			}
			if !ok {
				kept = append(kept, row)
				continue
			}
		}
		affected++
	}
	if affected > 0 {
		ec.tx.Replace(tableName, kept)
	}

	return &Result{
		RowsAffected: affected,
		Message:      fmt.Sprintf("DELETE %d", affected),
	}, nil
}

// matches evaluates a condition; unknown (NULL) counts as false.
func matches(ec *evalContext, expr sqlparser.Expr, v env) (bool, error) {
	val, err := eval(ec, expr, v)
	if err != nil {
		return false, err
	}
	b, _ := val.(bool)
	return b, nil
}

// eval evaluates an expression. Boolean operators use three-valued logic with
// nil standing for NULL.
func eval(ec *evalContext, expr sqlparser.Expr, v env) (any, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		return literal(ec, e)
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(e), nil
	case *sqlparser.ColName:
		return v.column(e.Qualifier.Name.String(), e.Name.String()), nil
	case *sqlparser.ParenExpr:
		return eval(ec, e.Expr, v)
	case sqlparser.ValTuple:
		out := make([]any, len(e))
		for i, x := range e {
			val, err := eval(ec, x, v)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case *sqlparser.FuncExpr:
		return callRoutine(ec, e, v)
	case *sqlparser.AndExpr:
		l, err := eval(ec, e.Left, v)
		if err != nil {
			return nil, err
		}
		if l == false {
			return false, nil
		}
		r, err := eval(ec, e.Right, v)
		if err != nil {
			return nil, err
		}
		switch {
		case r == false:
			return false, nil
		case l == nil || r == nil:
			return nil, nil
		}
		return true, nil
	case *sqlparser.OrExpr:
		l, err := eval(ec, e.Left, v)
		if err != nil {
			return nil, err
		}
		if l == true {
			return true, nil
		}
		r, err := eval(ec, e.Right, v)
		if err != nil {
			return nil, err
		}
		switch {
		case r == true:
			return true, nil
		case l == nil || r == nil:
			return nil, nil
		}
		return false, nil
	case *sqlparser.NotExpr:
		val, err := eval(ec, e.Expr, v)
		if err != nil || val == nil {
			return nil, err
		}
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("not applied to %T", val)
		}
		return !b, nil
	case *sqlparser.IsExpr:
		val, err := eval(ec, e.Expr, v)
		if err != nil {
			return nil, err
		}
		switch e.Operator {
		case sqlparser.IsNullStr:
			return val == nil, nil
		case sqlparser.IsNotNullStr:
			return val != nil, nil
		default:
			return nil, fmt.Errorf("unsupported operator: %s", e.Operator)
		}
	case *sqlparser.RangeCond:
		return between(ec, e, v)
	case *sqlparser.ComparisonExpr:
		return compare(ec, e, v)
	default:
		return nil, fmt.Errorf("unsupported expression: %s", sqlparser.String(expr))
	}
}

func literal(ec *evalContext, e *sqlparser.SQLVal) (any, error) {
	switch e.Type {
	case sqlparser.StrVal:
		return string(e.Val), nil
	case sqlparser.IntVal:
		return strconv.ParseInt(string(e.Val), 10, 64)
	case sqlparser.FloatVal:
		return strconv.ParseFloat(string(e.Val), 64)
	case sqlparser.ValArg:
		name := strings.TrimPrefix(string(e.Val), ":")
		val, ok := ec.bindVars[name]
		if !ok {
			return nil, fmt.Errorf("missing bind variable %s", name)
		}
		return typedjson.Normalize(val), nil
	default:
		return nil, fmt.Errorf("unsupported literal: %s", sqlparser.String(e))
	}
}

func callRoutine(ec *evalContext, f *sqlparser.FuncExpr, v env) (any, error) {
	fn, ok := ec.routines.Lookup(f.Name.String())
	if !ok {
		return nil, fmt.Errorf("unknown routine %s", f.Name.String())
	}
	args := make([]any, 0, len(f.Exprs))
	for _, se := range f.Exprs {
		ae, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, fmt.Errorf("unsupported routine argument: %s", sqlparser.String(se))
		}
		val, err := eval(ec, ae.Expr, v)
		if err != nil {
			return nil, err
		}
		args = append(args, val)
	}
	return fn(ec.tx, args)
}

func between(ec *evalContext, e *sqlparser.RangeCond, v env) (any, error) {
	val, err := eval(ec, e.Left, v)
	if err != nil {
		return nil, err
	}
	from, err := eval(ec, e.From, v)
	if err != nil {
		return nil, err
	}
	to, err := eval(ec, e.To, v)
	if err != nil {
		return nil, err
	}
	if val == nil || from == nil || to == nil {
		return nil, nil
	}
	lo, ok1 := typedjson.Compare(val, from)
	hi, ok2 := typedjson.Compare(val, to)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("cannot compare %T with %T", val, from)
	}
	in := lo >= 0 && hi <= 0
	if e.Operator == sqlparser.NotBetweenStr {
		return !in, nil
	}
	return in, nil
}

func compare(ec *evalContext, e *sqlparser.ComparisonExpr, v env) (any, error) {
	left, err := eval(ec, e.Left, v)
	if err != nil {
		return nil, err
	}
	right, err := eval(ec, e.Right, v)
	if err != nil {
		return nil, err
	}

	switch e.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		list, ok := right.([]any)
		if !ok {
			return nil, fmt.Errorf("%s requires a value list", e.Operator)
		}
		if left == nil {
			return nil, nil
		}
		found, sawNull := false, false
		for _, item := range list {
			if item == nil {
				sawNull = true
				continue
			}
			if typedjson.Equal(left, item) {
				found = true
				break
			}
		}
		switch {
		case found:
			return e.Operator == sqlparser.InStr, nil
		case sawNull:
			return nil, nil
		}
		return e.Operator == sqlparser.NotInStr, nil
	}

	if left == nil || right == nil {
		return nil, nil
	}

	switch e.Operator {
	case sqlparser.EqualStr:
		return typedjson.Equal(left, right), nil
	case sqlparser.NotEqualStr, "<>":
		return !typedjson.Equal(left, right), nil
	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		s, ok1 := left.(string)
		p, ok2 := right.(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("like requires strings, got %T and %T", left, right)
		}
		m := MatchLike(s, p)
		if e.Operator == sqlparser.NotLikeStr {
			return !m, nil
		}
		return m, nil
	case sqlparser.LessThanStr, sqlparser.LessEqualStr, sqlparser.GreaterThanStr, sqlparser.GreaterEqualStr:
		c, ok := typedjson.Compare(left, right)
		if !ok {
			return nil, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		switch e.Operator {
		case sqlparser.LessThanStr:
			return c < 0, nil
		case sqlparser.LessEqualStr:
			return c <= 0, nil
		case sqlparser.GreaterThanStr:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return nil, fmt.Errorf("unsupported operator: %s", e.Operator)
	}
}

var (
	likeMu    sync.Mutex
	likeCache = map[string]*regexp.Regexp{}
)

// MatchLike reports whether s matches a SQL LIKE pattern, where % matches any
// run of characters and _ matches exactly one. A backslash escapes the next
// character.
func MatchLike(s, pattern string) bool {
	likeMu.Lock()
	re, ok := likeCache[pattern]
	if !ok {
		re = regexp.MustCompile(likeToRegexp(pattern))
		likeCache[pattern] = re
	}
	likeMu.Unlock()
	return re.MatchString(s)
}

func likeToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString(`(?s)^`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			sb.WriteString(`.*`)
		case r == '_':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		sb.WriteString(`\\`)
	}
	sb.WriteString(`$`)
	return sb.String()
}
