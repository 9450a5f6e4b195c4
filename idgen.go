package dialect

import (
	"context"
	"fmt"
)

// IDSourceKind selects the id generation strategy.
type IDSourceKind int

const (
	// SequenceSource advances a backend-native sequence.
	SequenceSource IDSourceKind = iota
	// TableSource increments a counter row keyed by generator name.
	TableSource
)

func (k IDSourceKind) String() string {
	switch k {
	case SequenceSource:
		return "sequence"
	case TableSource:
		return "table"
	default:
		return fmt.Sprintf("IDSourceKind(%d)", int(k))
	}
}

// IDSourceMetadata describes where generated values come from. The first value
// handed out is InitialValue; each later one adds Increment.
type IDSourceMetadata struct {
	Kind IDSourceKind
	// Name is the sequence name, or the counter table for TableSource.
	Name string
	// KeyColumn and ValueColumn name the counter table columns.
	KeyColumn    string
	ValueColumn  string
	InitialValue int64
	Increment    int64
}

// NewSequenceSource describes a native sequence.
func NewSequenceSource(name string, initial, increment int64) *IDSourceMetadata {
	return &IDSourceMetadata{Kind: SequenceSource, Name: name, InitialValue: initial, Increment: increment}
}

// NewTableSource describes a counter table with one row per generator key.
func NewTableSource(table, keyColumn, valueColumn string, initial, increment int64) *IDSourceMetadata {
	return &IDSourceMetadata{
		Kind:         TableSource,
		Name:         table,
		KeyColumn:    keyColumn,
		ValueColumn:  valueColumn,
		InitialValue: initial,
		Increment:    increment,
	}
}

// Validate checks that the source can be executed.
func (m *IDSourceMetadata) Validate() error {
	if m == nil || m.Name == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{"reason": "id source requires a name"})
	}
	if m.Increment == 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{"source": m.Name, "reason": "increment must not be zero"})
	}
	if m.Kind == TableSource && (m.KeyColumn == "" || m.ValueColumn == "") {
		return WithContext(ErrInvalidConfig, map[string]interface{}{"source": m.Name, "reason": "table source requires key and value columns"})
	}
	return nil
}

// IDGenerationRequest asks for the next value of a source. Key selects the counter
// row of a table source and is ignored by sequences.
type IDGenerationRequest struct {
	Source *IDSourceMetadata
	Key    string
}

// NextValue allocates the next value. Any failure is fatal for the caller's write
// and is reported as an *IDGenerationError.
func (d *Dialect) NextValue(ctx context.Context, s *Session, req IDGenerationRequest) (int64, error) {
	if err := req.Source.Validate(); err != nil {
		return 0, &IDGenerationError{Source: sourceName(req), Cause: err}
	}
	if req.Source.Kind == TableSource && req.Key == "" {
		return 0, &IDGenerationError{Source: sourceName(req), Cause: WithContext(ErrInvalidKey, map[string]interface{}{"reason": "table source requires a generator key"})}
	}

	release, err := s.acquire(d)
	if err != nil {
		return 0, err
	}
	defer release()

	kind := OpNextSequence
	if req.Source.Kind == TableSource {
		kind = OpNextTableValue
	}
	op := &Operation{Kind: kind, Table: req.Source.Name, Generator: &req}

	res, err := d.execute(ctx, s, op)
	if err != nil {
		d.metrics.Increment(MetricIDErrors, "backend", d.backend.Name(), "operation", req.Source.Kind.String())
		d.logger.Error("id generation failed", "source", sourceName(req), "error", err)
		return 0, &IDGenerationError{Source: sourceName(req), Cause: err}
	}
	d.metrics.Increment(MetricIDGenerated, "backend", d.backend.Name(), "operation", req.Source.Kind.String())
	return res.Value, nil
}

func sourceName(req IDGenerationRequest) string {
	if req.Source == nil {
		return "<nil>"
	}
	if req.Key != "" {
		return req.Source.Name + "/" + req.Key
	}
	return req.Source.Name
}
