package dialect

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

const documentSuffix = ".json"

// objectRecordStore keeps one JSON object per record:
//
//	<prefix>entities/<table>/<id>.json
//	<prefix>associations/<table>/<owner>/<row>.json
//	<prefix>counters/<table>/<key>.json
//
// Ids are base64url encoded. Conditional writes use the store's ETags.
type objectRecordStore struct {
	objects ObjectStore
	prefix  string
	retry   RetryConfig
	logger  Logger
}

// NewObjectDocumentBackend creates a document backend over any ObjectStore. Keys
// are placed under prefix, if given.
func NewObjectDocumentBackend(name string, objects ObjectStore, prefix string, retry RetryConfig, logger Logger) *DocumentBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	store := &objectRecordStore{objects: objects, prefix: prefix, retry: retry, logger: logger}
	return newDocumentBackend(name, store, retry, logger)
}

// NewFilesystemDocumentBackend stores documents under a local directory, created
// if needed.
func NewFilesystemDocumentBackend(basePath string, logger Logger) (*DocumentBackend, error) {
	if err := os.MkdirAll(basePath, DefaultDirPermissions); err != nil {
		return nil, err
	}
	return NewObjectDocumentBackend(BackendFilesystem, NewFilesystemStore(basePath), "", DefaultRetryConfig(), logger), nil
}

func (s *objectRecordStore) dir(kind recordKind, table, group string) string {
	d := s.prefix + kind.String() + "/" + table + "/"
	if group != "" {
		d += pathSegment(group) + "/"
	}
	return d
}

func (s *objectRecordStore) key(ref recordRef) string {
	return s.dir(ref.Kind, ref.Table, ref.Group) + pathSegment(ref.ID) + documentSuffix
}

// parseKey recovers the ref of a listed key under the given table directory.
func (s *objectRecordStore) parseKey(kind recordKind, table, key string) (recordRef, bool) {
	rest := strings.TrimPrefix(key, s.dir(kind, table, ""))
	if rest == key || !strings.HasSuffix(rest, documentSuffix) {
		return recordRef{}, false
	}
	rest = strings.TrimSuffix(rest, documentSuffix)
	ref := recordRef{Kind: kind, Table: table}
	if kind == rowRecord {
		group, id, ok := strings.Cut(rest, "/")
		if !ok {
			return recordRef{}, false
		}
		g, err := parsePathSegment(group)
		if err != nil {
			return recordRef{}, false
		}
		ref.Group, rest = g, id
	}
	if strings.Contains(rest, "/") {
		return recordRef{}, false
	}
	id, err := parsePathSegment(rest)
	if err != nil {
		return recordRef{}, false
	}
	ref.ID = id
	return ref, true
}

func (s *objectRecordStore) location(ref recordRef) string {
	if ref.ID == "" {
		return s.dir(ref.Kind, ref.Table, ref.Group)
	}
	return s.key(ref)
}

func (s *objectRecordStore) connect(ctx context.Context) (recordConn, error) {
	return newJournalConn(&objectOps{store: s}, s.logger), nil
}

func (s *objectRecordStore) close() error {
	return s.objects.Close()
}

// objectOps implements recordOps over the object store.
type objectOps struct {
	store *objectRecordStore
}

func (o *objectOps) get(ctx context.Context, ref recordRef) (*storedRecord, error) {
	data, etag, err := o.store.objects.GetWithETag(ctx, o.store.key(ref))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &storedRecord{Ref: ref, Data: data, Tag: etag}, nil
}

func (o *objectOps) create(ctx context.Context, ref recordRef, data []byte) (bool, error) {
	_, err := o.store.objects.PutIfAbsent(ctx, o.store.key(ref), data)
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *objectOps) replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error) {
	_, err := o.store.objects.PutIfMatch(ctx, o.store.key(prev.Ref), data, prev.Tag)
	if err != nil {
		if IsConflict(err) || IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *objectOps) put(ctx context.Context, ref recordRef, data []byte) error {
	return o.store.objects.Put(ctx, o.store.key(ref), data)
}

func (o *objectOps) remove(ctx context.Context, ref recordRef) (bool, error) {
	if err := o.store.objects.Delete(ctx, o.store.key(ref)); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *objectOps) scan(ctx context.Context, kind recordKind, table, group string) ([]*storedRecord, error) {
	var records []*storedRecord
	err := o.store.objects.ListPaginated(ctx, o.store.dir(kind, table, group), func(keys []string) error {
		for _, key := range keys {
			ref, ok := o.store.parseKey(kind, table, key)
			if !ok {
				continue
			}
			rec, err := o.get(ctx, ref)
			if err != nil {
				return err
			}
			// Deleted between the listing and the read.
			if rec == nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// next advances a counter document {"value": n} with compare-and-swap.
func (o *objectOps) next(ctx context.Context, ref recordRef, initial, increment int64) (int64, error) {
	var value int64
	completed, err := retryLoop(ctx, o.store.retry, func(int) error {
		prev, err := o.get(ctx, ref)
		if err != nil {
			return err
		}
		if prev == nil {
			data, err := counterDocument(initial)
			if err != nil {
				return err
			}
			created, err := o.create(ctx, ref, data)
			if err != nil {
				return err
			}
			if !created {
				return errRetry{}
			}
			value = initial
			return nil
		}

		current, err := counterValue(prev.Data)
		if err != nil {
			return fmt.Errorf("counter %s: %w", ref, err)
		}
		data, err := counterDocument(current + increment)
		if err != nil {
			return err
		}
		swapped, err := o.replace(ctx, prev, data)
		if err != nil {
			return err
		}
		if !swapped {
			return errRetry{}
		}
		value = current + increment
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !completed {
		return 0, WithContext(ErrConflict, map[string]interface{}{
			"counter": ref.String(),
			"retries": o.store.retry.MaxRetries,
		})
	}
	return value, nil
}

func counterDocument(v int64) ([]byte, error) {
	return typedjson.MarshalMap(map[string]any{"value": v})
}

func counterValue(data []byte) (int64, error) {
	doc, err := typedjson.UnmarshalMap(data)
	if err != nil {
		return 0, err
	}
	v, ok := typedjson.Normalize(doc["value"]).(int64)
	if !ok {
		return 0, fmt.Errorf("value %v is not an integer", doc["value"])
	}
	return v, nil
}
