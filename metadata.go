package dialect

import (
	"fmt"
	"sort"
	"sync"
)

// PropertyKind classifies an entity property for query path resolution.
type PropertyKind int

const (
	// PropertyBasic maps to a single column.
	PropertyBasic PropertyKind = iota
	// PropertyEmbedded is an embeddable component with nested properties.
	PropertyEmbedded
	// PropertyToOne references a single associated entity.
	PropertyToOne
	// PropertyToMany references a collection of associated entities.
	PropertyToMany
	// PropertyEmbeddedCollection is a collection of embeddable values.
	PropertyEmbeddedCollection
)

func (k PropertyKind) String() string {
	switch k {
	case PropertyBasic:
		return "basic"
	case PropertyEmbedded:
		return "embedded"
	case PropertyToOne:
		return "to-one"
	case PropertyToMany:
		return "to-many"
	case PropertyEmbeddedCollection:
		return "embedded-collection"
	default:
		return fmt.Sprintf("PropertyKind(%d)", int(k))
	}
}

// IsAssociation reports whether the property links to other records.
func (k PropertyKind) IsAssociation() bool {
	return k == PropertyToOne || k == PropertyToMany || k == PropertyEmbeddedCollection
}

// PropertyMetadata describes one property of an entity or embeddable.
type PropertyMetadata struct {
	Name string
	Kind PropertyKind

	// Column is the physical column of a basic property. Properties nested in
	// embeddables use the full dotted column name.
	Column string
	// EnumValues lists the constants of an ordinal-mapped enum, in ordinal order.
	EnumValues []string

	// Embedded components
	TypeName   string
	Properties []*PropertyMetadata
	// IsID marks the embedded component that forms the entity's primary key.
	IsID bool

	// Associations
	Target string
	// OwnsForeignKey is true when ForeignKeyColumns live on the owning entity's
	// table; otherwise they live on the target's table and reference the owner.
	OwnsForeignKey    bool
	ForeignKeyColumns []string
}

// Property returns a nested property of an embedded component.
func (p *PropertyMetadata) Property(name string) *PropertyMetadata {
	for _, c := range p.Properties {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// EntityMetadata is what the host mapping layer knows about one entity type.
type EntityMetadata struct {
	Name          string
	Table         string
	IDColumns     []string
	VersionColumn string
	// GeneratedColumns are key columns the backend assigns on insert.
	GeneratedColumns []string
	Properties       []*PropertyMetadata

	keyMeta *EntityKeyMetadata
}

// Property returns a top-level property by name.
func (e *EntityMetadata) Property(name string) *PropertyMetadata {
	for _, p := range e.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// KeyMetadata returns the shared key metadata for this entity.
func (e *EntityMetadata) KeyMetadata() *EntityKeyMetadata {
	if e.keyMeta == nil {
		e.keyMeta = NewEntityKeyMetadata(e.Table, e.IDColumns...)
	}
	return e.keyMeta
}

// Key builds an entity key for this entity.
func (e *EntityMetadata) Key(values ...any) EntityKey {
	return NewEntityKey(e.KeyMetadata(), values...)
}

// EmbeddedTypeNames maps every embedded path prefix to its type name.
func (e *EntityMetadata) EmbeddedTypeNames() map[string]string {
	names := map[string]string{}
	var walk func(prefix string, props []*PropertyMetadata)
	walk = func(prefix string, props []*PropertyMetadata) {
		for _, p := range props {
			if p.Kind != PropertyEmbedded {
				continue
			}
			path := p.Name
			if prefix != "" {
				path = prefix + "." + p.Name
			}
			if p.TypeName != "" {
				names[path] = p.TypeName
			}
			walk(path, p.Properties)
		}
	}
	walk("", e.Properties)
	return names
}

// MetadataRegistry holds entity metadata, built once when the store is initialized
// and shared by reference.
type MetadataRegistry struct {
	mu       sync.RWMutex
	entities map[string]*EntityMetadata
	tables   map[string]*EntityMetadata
}

// NewMetadataRegistry creates an empty registry.
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{
		entities: make(map[string]*EntityMetadata),
		tables:   make(map[string]*EntityMetadata),
	}
}

// Register adds entity metadata. Names and tables must be unique.
func (r *MetadataRegistry) Register(entities ...*EntityMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entities {
		if e.Name == "" || e.Table == "" || len(e.IDColumns) == 0 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"entity": e.Name,
				"reason": "entity metadata requires a name, a table and id columns",
			})
		}
		if _, dup := r.entities[e.Name]; dup {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"entity": e.Name,
				"reason": "entity already registered",
			})
		}
		if err := validateProperties(e.Name, "", e.Properties); err != nil {
			return err
		}
		e.keyMeta = NewEntityKeyMetadata(e.Table, e.IDColumns...)
		r.entities[e.Name] = e
		r.tables[e.Table] = e
	}
	return nil
}

// validateProperties checks property names and defaults basic columns to their
// dotted path.
func validateProperties(owner, prefix string, props []*PropertyMetadata) error {
	seen := map[string]bool{}
	for _, p := range props {
		if seen[p.Name] {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"entity":   owner,
				"property": p.Name,
				"reason":   "duplicate property",
			})
		}
		seen[p.Name] = true
		switch p.Kind {
		case PropertyBasic:
			if p.Column == "" {
				p.Column = prefix + p.Name
			}
		case PropertyEmbedded:
			if err := validateProperties(owner, prefix+p.Name+".", p.Properties); err != nil {
				return err
			}
		case PropertyToOne, PropertyToMany:
			if p.Target == "" {
				return WithContext(ErrInvalidConfig, map[string]interface{}{
					"entity":   owner,
					"property": p.Name,
					"reason":   "association requires a target entity",
				})
			}
		}
	}
	return nil
}

// Entity looks up metadata by entity name.
func (r *MetadataRegistry) Entity(name string) (*EntityMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// EntityByTable looks up metadata by table name.
func (r *MetadataRegistry) EntityByTable(table string) (*EntityMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tables[table]
	return e, ok
}

// Names returns the registered entity names in sorted order.
func (r *MetadataRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
