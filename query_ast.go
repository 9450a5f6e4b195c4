package dialect

import (
	"fmt"
	"strings"
)

// QueryKind is the statement type of a neutral query.
type QueryKind int

const (
	SelectQuery QueryKind = iota
	CountQuery
	UpdateQuery
	DeleteQuery
)

func (k QueryKind) String() string {
	switch k {
	case SelectQuery:
		return "select"
	case CountQuery:
		return "count"
	case UpdateQuery:
		return "update"
	case DeleteQuery:
		return "delete"
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k))
	}
}

// JoinType is the join requested for an association path.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
	RightJoin
	FullJoin
)

func (j JoinType) String() string {
	switch j {
	case InnerJoin:
		return "inner"
	case LeftJoin:
		return "left"
	case RightJoin:
		return "right"
	case FullJoin:
		return "full"
	default:
		return fmt.Sprintf("JoinType(%d)", int(j))
	}
}

// PropertyPath is a dotted property reference rooted at an alias, as in o.customer.name.
type PropertyPath struct {
	Alias    string
	Segments []string
}

// Path parses "alias.seg1.seg2".
func Path(dotted string) PropertyPath {
	parts := strings.Split(dotted, ".")
	return PropertyPath{Alias: parts[0], Segments: parts[1:]}
}

func (p PropertyPath) String() string {
	if len(p.Segments) == 0 {
		return p.Alias
	}
	return p.Alias + "." + strings.Join(p.Segments, ".")
}

// Operand is a comparison value: a named parameter or a literal.
type Operand interface {
	isOperand()
}

// Param refers to a named query parameter bound at execution time.
type Param struct{ Name string }

// Literal is a constant written in the query.
type Literal struct{ Value any }

func (Param) isOperand()   {}
func (Literal) isOperand() {}

// ComparisonOp is a binary comparison operator.
type ComparisonOp string

const (
	OpEq ComparisonOp = "="
	OpNe ComparisonOp = "!="
	OpLt ComparisonOp = "<"
	OpLe ComparisonOp = "<="
	OpGt ComparisonOp = ">"
	OpGe ComparisonOp = ">="
)

// Predicate is a node of a neutral WHERE tree.
type Predicate interface {
	isPredicate()
}

type (
	// Comparison compares a property with an operand.
	Comparison struct {
		Path  PropertyPath
		Op    ComparisonOp
		Value Operand
	}
	// In tests membership in a list of operands.
	In struct {
		Path    PropertyPath
		Values  []Operand
		Negated bool
	}
	// Like matches a SQL LIKE pattern (% and _ wildcards).
	Like struct {
		Path    PropertyPath
		Pattern Operand
		Negated bool
	}
	// IsNull tests for absent values.
	IsNull struct {
		Path    PropertyPath
		Negated bool
	}
	// Between is an inclusive range test.
	Between struct {
		Path         PropertyPath
		Lower, Upper Operand
	}
	And struct{ Terms []Predicate }
	Or  struct{ Terms []Predicate }
	Not struct{ Term Predicate }
)

func (Comparison) isPredicate() {}
func (In) isPredicate()         {}
func (Like) isPredicate()       {}
func (IsNull) isPredicate()     {}
func (Between) isPredicate()    {}
func (And) isPredicate()        {}
func (Or) isPredicate()         {}
func (Not) isPredicate()        {}

// JoinClause is an explicit join such as "JOIN o.customer c".
type JoinClause struct {
	Type  JoinType
	Path  PropertyPath
	Alias string
}

// OrderItem is one ORDER BY term.
type OrderItem struct {
	Path       PropertyPath
	Descending bool
}

// Assignment is one SET term of an update query.
type Assignment struct {
	Path  PropertyPath
	Value Operand
}

// QueryAST is an already-parsed, backend-neutral query.
type QueryAST struct {
	// Key identifies the query text; translations are cached under it when set.
	Key        string
	Kind       QueryKind
	Entity     string
	Alias      string
	Joins      []JoinClause
	Where      Predicate
	OrderBy    []OrderItem
	Projection []PropertyPath
	Set        []Assignment
	// FirstResult and MaxResults page the results; zero means unbounded.
	FirstResult int
	MaxResults  int
}

// PropertyIdentifier is a resolved (alias, column) pair. RequiredDepth is the
// traversal depth up to which the associations on the path had to match.
type PropertyIdentifier struct {
	Alias         string
	Column        string
	RequiredDepth int
}

func (p PropertyIdentifier) String() string {
	return p.Alias + "." + p.Column
}

// AliasInfo is one entity occurrence in a translated query.
type AliasInfo struct {
	Alias  string
	Entity *EntityMetadata
	// Parent and Via are nil for the root alias.
	Parent *AliasInfo
	Via    *PropertyMetadata
	// Required aliases must match (inner join); optional ones may be absent.
	Required bool
	Depth    int
}

// JoinPair equates a column of one alias with a column of another.
type JoinPair struct {
	Left, Right PropertyIdentifier
}

// JoinCondition returns the column pairs linking a to its parent. The foreign
// key side is the entity that owns the association's foreign key columns.
func (a *AliasInfo) JoinCondition() []JoinPair {
	if a.Parent == nil || a.Via == nil {
		return nil
	}
	pairs := make([]JoinPair, 0, len(a.Via.ForeignKeyColumns))
	if a.Via.OwnsForeignKey {
		for i, fk := range a.Via.ForeignKeyColumns {
			pairs = append(pairs, JoinPair{
				Left:  PropertyIdentifier{Alias: a.Parent.Alias, Column: fk},
				Right: PropertyIdentifier{Alias: a.Alias, Column: a.Entity.IDColumns[i]},
			})
		}
		return pairs
	}
	for i, fk := range a.Via.ForeignKeyColumns {
		pairs = append(pairs, JoinPair{
			Left:  PropertyIdentifier{Alias: a.Alias, Column: fk},
			Right: PropertyIdentifier{Alias: a.Parent.Alias, Column: a.Parent.Entity.IDColumns[i]},
		})
	}
	return pairs
}

// ParamRef is one positional parameter slot of a translated query.
type ParamRef struct {
	// Name is the named parameter feeding this slot; empty for literals.
	Name    string
	Literal any
	// Enum is set when the target column stores enum ordinals.
	Enum []string
}

// Condition is a resolved WHERE node. Operands are positions in TranslatedQuery.Params.
type Condition interface {
	isCondition()
}

type (
	CompareCond struct {
		Property PropertyIdentifier
		Op       ComparisonOp
		Arg      int
	}
	InCond struct {
		Property PropertyIdentifier
		Args     []int
		Negated  bool
	}
	LikeCond struct {
		Property PropertyIdentifier
		Arg      int
		Negated  bool
	}
	NullCond struct {
		Property PropertyIdentifier
		Negated  bool
	}
	BetweenCond struct {
		Property     PropertyIdentifier
		Lower, Upper int
	}
	AndCond struct{ Terms []Condition }
	OrCond  struct{ Terms []Condition }
	NotCond struct{ Term Condition }
)

func (CompareCond) isCondition() {}
func (InCond) isCondition()      {}
func (LikeCond) isCondition()    {}
func (NullCond) isCondition()    {}
func (BetweenCond) isCondition() {}
func (AndCond) isCondition()     {}
func (OrCond) isCondition()      {}
func (NotCond) isCondition()     {}

// SortKey is a resolved ORDER BY term.
type SortKey struct {
	Property   PropertyIdentifier
	Descending bool
}

// SetColumn is a resolved update assignment.
type SetColumn struct {
	Column string
	Arg    int
}

// TranslatedQuery is the backend-neutral result of translation, handed to a
// backend's RenderQuery.
type TranslatedQuery struct {
	Kind QueryKind
	Root *AliasInfo
	// Aliases lists the joined aliases in registration order, parents first.
	Aliases    []*AliasInfo
	Where      Condition
	OrderBy    []SortKey
	Projection []PropertyIdentifier
	Set        []SetColumn
	Params     []ParamRef
	Offset     int
	Limit      int
	Warnings   []string
}

// Alias returns the alias info for name.
func (q *TranslatedQuery) Alias(name string) *AliasInfo {
	if q.Root != nil && q.Root.Alias == name {
		return q.Root
	}
	for _, a := range q.Aliases {
		if a.Alias == name {
			return a
		}
	}
	return nil
}

// QueryDescriptor is the native form of a query, produced once and executed many
// times with different parameters.
type QueryDescriptor struct {
	Kind       QueryKind
	Backend    string
	Table      string
	Entity     *EntityMetadata
	Native     string
	Params     []ParamRef
	Projection []string
	Warnings   []string
	// Payload is the backend's compiled form.
	Payload any
}
