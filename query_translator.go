package dialect

import (
	"fmt"
	"strings"
)

// Translator resolves a neutral QueryAST against entity metadata.
type Translator struct {
	registry *MetadataRegistry
	logger   Logger
}

// NewTranslator creates a translator over registry.
func NewTranslator(registry *MetadataRegistry, logger Logger) *Translator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Translator{registry: registry, logger: logger}
}

// translation is the state of one Translate call.
type translation struct {
	t       *Translator
	ast     *QueryAST
	aliases *aliasResolver
	out     *TranslatedQuery
}

// Translate runs alias assignment, path resolution, join depth determination and
// parameter capture. Backends assemble the native query from the result.
func (t *Translator) Translate(ast *QueryAST) (*TranslatedQuery, error) {
	if ast == nil || ast.Entity == "" {
		return nil, WithContext(ErrInvalidQuery, map[string]interface{}{"reason": "query has no entity"})
	}
	root, ok := t.registry.Entity(ast.Entity)
	if !ok {
		return nil, WithContext(ErrUnknownEntity, map[string]interface{}{"entity": ast.Entity})
	}

	tr := &translation{
		t:       t,
		ast:     ast,
		aliases: newAliasResolver(),
		out:     &TranslatedQuery{Kind: ast.Kind, Offset: ast.FirstResult, Limit: ast.MaxResults},
	}
	rootAlias := ast.Alias
	if rootAlias == "" {
		rootAlias = strings.ToLower(root.Name)
	}
	tr.out.Root = tr.aliases.addRoot(rootAlias, root)

	for _, j := range ast.Joins {
		if err := tr.explicitJoin(j); err != nil {
			return nil, err
		}
	}

	if ast.Where != nil {
		cond, err := tr.predicate(ast.Where)
		if err != nil {
			return nil, err
		}
		tr.out.Where = cond
	}

	for _, o := range ast.OrderBy {
		id, _, err := tr.resolve(o.Path, 0)
		if err != nil {
			return nil, err
		}
		tr.out.OrderBy = append(tr.out.OrderBy, SortKey{Property: id, Descending: o.Descending})
	}

	for _, p := range ast.Projection {
		id, _, err := tr.resolve(p, 0)
		if err != nil {
			return nil, err
		}
		if id.Alias != tr.out.Root.Alias {
			return nil, &UnsupportedMappingError{Path: p.String(), Detail: "projection of joined entities"}
		}
		tr.out.Projection = append(tr.out.Projection, id)
	}

	if err := tr.assignments(); err != nil {
		return nil, err
	}

	tr.out.Aliases = tr.aliases.joined
	if (ast.Kind == UpdateQuery || ast.Kind == DeleteQuery) && len(tr.out.Aliases) > 0 {
		return nil, &UnsupportedMappingError{Path: ast.Entity, Detail: "update and delete queries cannot join"}
	}
	return tr.out, nil
}

// explicitJoin registers the aliases of a join clause. INNER requires the full path,
// LEFT requires nothing, other join types degrade to INNER with a warning.
func (tr *translation) explicitJoin(j JoinClause) error {
	required := len(j.Path.Segments)
	switch j.Type {
	case InnerJoin:
	case LeftJoin:
		required = 0
	default:
		msg := fmt.Sprintf("%s join on %s is not supported; using inner join semantics", j.Type, j.Path)
		tr.out.Warnings = append(tr.out.Warnings, msg)
		tr.t.logger.Warn("degrading join type", "join", j.Type.String(), "path", j.Path.String(), "entity", tr.ast.Entity)
	}

	current, ok := tr.aliases.lookup(j.Path.Alias)
	if !ok {
		return WithContext(ErrInvalidQuery, map[string]interface{}{
			"path":   j.Path.String(),
			"reason": "unknown alias " + j.Path.Alias,
		})
	}
	for i, seg := range j.Path.Segments {
		depth := i + 1
		prop := current.Entity.Property(seg)
		if prop == nil {
			return WithContext(ErrUnknownProperty, map[string]interface{}{"path": j.Path.String(), "property": seg})
		}
		if prop.Kind == PropertyEmbeddedCollection {
			return &UnsupportedMappingError{Path: j.Path.String(), Detail: "join on a collection of embeddables", NotImplemented: true}
		}
		if prop.Kind != PropertyToOne && prop.Kind != PropertyToMany {
			return &UnsupportedMappingError{Path: j.Path.String(), Detail: "join on a non-association property"}
		}
		target, err := tr.target(j.Path, prop)
		if err != nil {
			return err
		}
		explicit := ""
		if depth == len(j.Path.Segments) {
			explicit = j.Alias
		}
		current = tr.aliases.join(current, prop, target, explicit, depth <= required)
	}
	return nil
}

// resolve walks path and returns the (alias, column) it ends on. Associations up to
// requiredDepth are registered as required joins, deeper ones as optional.
func (tr *translation) resolve(path PropertyPath, requiredDepth int) (PropertyIdentifier, *PropertyMetadata, error) {
	current, ok := tr.aliases.lookup(path.Alias)
	if !ok {
		return PropertyIdentifier{}, nil, WithContext(ErrInvalidQuery, map[string]interface{}{
			"path":   path.String(),
			"reason": "unknown alias " + path.Alias,
		})
	}
	if len(path.Segments) == 0 {
		return tr.identifierOf(current, path, requiredDepth)
	}

	props := current.Entity.Properties
	for i, seg := range path.Segments {
		depth := i + 1
		last := depth == len(path.Segments)
		prop := findProperty(props, seg)
		if prop == nil {
			return PropertyIdentifier{}, nil, WithContext(ErrUnknownProperty, map[string]interface{}{
				"path":     path.String(),
				"property": seg,
			})
		}

		switch prop.Kind {
		case PropertyEmbeddedCollection:
			return PropertyIdentifier{}, nil, &UnsupportedMappingError{
				Path:           path.String(),
				Detail:         "collection of embeddables in a query path",
				NotImplemented: true,
			}
		case PropertyToOne, PropertyToMany:
			target, err := tr.target(path, prop)
			if err != nil {
				return PropertyIdentifier{}, nil, err
			}
			// A to-one ending the path compares the foreign key held by its owner,
			// so a null reference still matches.
			if last && prop.Kind == PropertyToOne && prop.OwnsForeignKey {
				if len(prop.ForeignKeyColumns) != 1 {
					return PropertyIdentifier{}, nil, &UnsupportedMappingError{
						Path:   path.String(),
						Detail: "comparison against a composite identifier",
					}
				}
				return PropertyIdentifier{Alias: current.Alias, Column: prop.ForeignKeyColumns[0], RequiredDepth: requiredDepth}, nil, nil
			}
			current = tr.aliases.join(current, prop, target, "", depth <= requiredDepth)
			if last {
				return tr.identifierOf(current, path, requiredDepth)
			}
			props = target.Properties
		case PropertyEmbedded:
			if !prop.IsID {
				return PropertyIdentifier{}, nil, &UnsupportedMappingError{
					Path:   path.String(),
					Detail: "embedded property that is not the primary key",
				}
			}
			if last {
				return tr.identifierOf(current, path, requiredDepth)
			}
			props = prop.Properties
		case PropertyBasic:
			if !last {
				return PropertyIdentifier{}, nil, WithContext(ErrInvalidQuery, map[string]interface{}{
					"path":   path.String(),
					"reason": "cannot navigate into basic property " + seg,
				})
			}
			return PropertyIdentifier{Alias: current.Alias, Column: prop.Column, RequiredDepth: requiredDepth}, prop, nil
		}
	}
	return PropertyIdentifier{}, nil, WithContext(ErrInvalidQuery, map[string]interface{}{"path": path.String()})
}

// identifierOf resolves a path that ends on an entity to that entity's id column.
func (tr *translation) identifierOf(a *AliasInfo, path PropertyPath, requiredDepth int) (PropertyIdentifier, *PropertyMetadata, error) {
	if len(a.Entity.IDColumns) != 1 {
		return PropertyIdentifier{}, nil, &UnsupportedMappingError{
			Path:   path.String(),
			Detail: "comparison against a composite identifier",
		}
	}
	return PropertyIdentifier{Alias: a.Alias, Column: a.Entity.IDColumns[0], RequiredDepth: requiredDepth}, nil, nil
}

func (tr *translation) target(path PropertyPath, prop *PropertyMetadata) (*EntityMetadata, error) {
	target, ok := tr.t.registry.Entity(prop.Target)
	if !ok {
		return nil, WithContext(ErrUnknownEntity, map[string]interface{}{
			"path":   path.String(),
			"entity": prop.Target,
		})
	}
	if len(prop.ForeignKeyColumns) == 0 {
		return nil, &UnsupportedMappingError{Path: path.String(), Detail: "association without foreign key columns"}
	}
	if prop.OwnsForeignKey && len(prop.ForeignKeyColumns) != len(target.IDColumns) {
		return nil, &UnsupportedMappingError{Path: path.String(), Detail: "foreign key does not match target identifier"}
	}
	return target, nil
}

func findProperty(props []*PropertyMetadata, name string) *PropertyMetadata {
	for _, p := range props {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// predicate translates a WHERE node. Paths in predicates require every association
// on them to match.
func (tr *translation) predicate(p Predicate) (Condition, error) {
	switch n := p.(type) {
	case Comparison:
		id, prop, err := tr.resolve(n.Path, len(n.Path.Segments))
		if err != nil {
			return nil, err
		}
		return CompareCond{Property: id, Op: n.Op, Arg: tr.capture(n.Value, prop)}, nil
	case In:
		id, prop, err := tr.resolve(n.Path, len(n.Path.Segments))
		if err != nil {
			return nil, err
		}
		args := make([]int, len(n.Values))
		for i, v := range n.Values {
			args[i] = tr.capture(v, prop)
		}
		return InCond{Property: id, Args: args, Negated: n.Negated}, nil
	case Like:
		id, _, err := tr.resolve(n.Path, len(n.Path.Segments))
		if err != nil {
			return nil, err
		}
		return LikeCond{Property: id, Arg: tr.capture(n.Pattern, nil), Negated: n.Negated}, nil
	case IsNull:
		id, _, err := tr.resolve(n.Path, len(n.Path.Segments))
		if err != nil {
			return nil, err
		}
		return NullCond{Property: id, Negated: n.Negated}, nil
	case Between:
		id, prop, err := tr.resolve(n.Path, len(n.Path.Segments))
		if err != nil {
			return nil, err
		}
		return BetweenCond{Property: id, Lower: tr.capture(n.Lower, prop), Upper: tr.capture(n.Upper, prop)}, nil
	case And:
		terms, err := tr.predicates(n.Terms)
		if err != nil {
			return nil, err
		}
		return AndCond{Terms: terms}, nil
	case Or:
		terms, err := tr.predicates(n.Terms)
		if err != nil {
			return nil, err
		}
		return OrCond{Terms: terms}, nil
	case Not:
		term, err := tr.predicate(n.Term)
		if err != nil {
			return nil, err
		}
		return NotCond{Term: term}, nil
	default:
		return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
			"reason": fmt.Sprintf("unsupported predicate %T", p),
		})
	}
}

func (tr *translation) predicates(ps []Predicate) ([]Condition, error) {
	out := make([]Condition, 0, len(ps))
	for _, p := range ps {
		c, err := tr.predicate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// capture appends a positional parameter slot for an operand and returns its index.
func (tr *translation) capture(o Operand, prop *PropertyMetadata) int {
	ref := ParamRef{}
	switch v := o.(type) {
	case Param:
		ref.Name = v.Name
	case Literal:
		ref.Literal = v.Value
	}
	if prop != nil && len(prop.EnumValues) > 0 {
		ref.Enum = prop.EnumValues
	}
	tr.out.Params = append(tr.out.Params, ref)
	return len(tr.out.Params) - 1
}

func (tr *translation) assignments() error {
	if tr.ast.Kind != UpdateQuery {
		return nil
	}
	if len(tr.ast.Set) == 0 {
		return WithContext(ErrInvalidQuery, map[string]interface{}{"reason": "update query without assignments"})
	}
	for _, a := range tr.ast.Set {
		id, prop, err := tr.resolve(a.Path, 0)
		if err != nil {
			return err
		}
		if id.Alias != tr.out.Root.Alias || prop == nil {
			return &UnsupportedMappingError{Path: a.Path.String(), Detail: "update of a non-basic or joined property"}
		}
		if contains(tr.out.Root.Entity.IDColumns, id.Column) {
			return &UnsupportedMappingError{Path: a.Path.String(), Detail: "update of an identifier column"}
		}
		tr.out.Set = append(tr.out.Set, SetColumn{Column: id.Column, Arg: tr.capture(a.Value, prop)})
	}
	return nil
}
