package dialect

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Entities are strings indexed by a per-table set so a table scan does not need
// SCAN over the keyspace. The stored bytes double as the compare-and-swap tag.
var (
	createEntityScript = redis.NewScript(`
if redis.call("set", KEYS[1], ARGV[1], "NX") then
	redis.call("sadd", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

	replaceEntityScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	removeEntityScript = redis.NewScript(`
local n = redis.call("del", KEYS[1])
redis.call("srem", KEYS[2], ARGV[1])
return n
`)

	replaceRowScript = redis.NewScript(`
if redis.call("hget", KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call("hset", KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0
`)
)

// redisRecordStore keeps records under a key prefix:
//
//	<prefix>:entities:<table>:<id>        string
//	<prefix>:entities:<table>             set of ids
//	<prefix>:associations:<table>:<owner> hash of row id -> row
//	<prefix>:counters:<table>:<key>       integer
//
// Ids are base64url encoded.
type redisRecordStore struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
	breaker    *CircuitBreaker
	logger     Logger
	metrics    Metrics
}

// NewRedisBackend creates a document backend over client. Keys are namespaced by
// keyPrefix, DefaultKeyPrefix when empty. Calls go through a circuit breaker.
func NewRedisBackend(client *redis.Client, keyPrefix string, retry RetryConfig, logger Logger, metrics Metrics) *DocumentBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	store := &redisRecordStore{
		client:  client,
		prefix:  keyPrefix,
		breaker: observedBreaker(BackendRedis, logger, metrics),
		logger:  logger,
		metrics: metrics,
	}
	return newDocumentBackend(BackendRedis, store, retry, logger)
}

// newOwnedRedisBackend is NewRedisBackend for a client created by OpenBackend;
// closing the backend closes the client.
func newOwnedRedisBackend(client *redis.Client, keyPrefix string, retry RetryConfig, logger Logger, metrics Metrics) *DocumentBackend {
	b := NewRedisBackend(client, keyPrefix, retry, logger, metrics)
	b.store.(*redisRecordStore).ownsClient = true
	return b
}

func (s *redisRecordStore) tableKey(kind recordKind, table string) string {
	return s.prefix + ":" + kind.String() + ":" + table
}

// key returns the redis key of ref and, for rows, the hash field.
func (s *redisRecordStore) key(ref recordRef) (key, field string) {
	switch ref.Kind {
	case rowRecord:
		return s.tableKey(rowRecord, ref.Table) + ":" + pathSegment(ref.Group), pathSegment(ref.ID)
	default:
		return s.tableKey(ref.Kind, ref.Table) + ":" + pathSegment(ref.ID), ""
	}
}

func (s *redisRecordStore) location(ref recordRef) string {
	if ref.ID == "" {
		if ref.Kind == rowRecord && ref.Group != "" {
			key, _ := s.key(recordRef{Kind: rowRecord, Table: ref.Table, Group: ref.Group})
			return key
		}
		return s.tableKey(ref.Kind, ref.Table)
	}
	key, field := s.key(ref)
	if field != "" {
		return key + " " + field
	}
	return key
}

func (s *redisRecordStore) connect(ctx context.Context) (recordConn, error) {
	return newJournalConn(&redisOps{store: s}, s.logger), nil
}

func (s *redisRecordStore) close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// call runs fn through the breaker. redis.Nil is an answer, not a failure.
func (s *redisRecordStore) call(ctx context.Context, fn func() error) (missing bool, err error) {
	err = s.breaker.Execute(ctx, func() error {
		err := fn()
		if err == redis.Nil {
			missing = true
			return nil
		}
		return err
	})
	return missing, err
}

// redisOps implements recordOps over the store's client.
type redisOps struct {
	store *redisRecordStore
}

func (o *redisOps) get(ctx context.Context, ref recordRef) (*storedRecord, error) {
	key, field := o.store.key(ref)
	var data string
	missing, err := o.store.call(ctx, func() error {
		var err error
		if field != "" {
			data, err = o.store.client.HGet(ctx, key, field).Result()
		} else {
			data, err = o.store.client.Get(ctx, key).Result()
		}
		return err
	})
	if err != nil || missing {
		return nil, err
	}
	return &storedRecord{Ref: ref, Data: []byte(data), Tag: data}, nil
}

func (o *redisOps) create(ctx context.Context, ref recordRef, data []byte) (bool, error) {
	key, field := o.store.key(ref)
	var created bool
	_, err := o.store.call(ctx, func() error {
		if field != "" {
			ok, err := o.store.client.HSetNX(ctx, key, field, data).Result()
			created = ok
			return err
		}
		n, err := createEntityScript.Run(ctx, o.store.client,
			[]string{key, o.store.tableKey(ref.Kind, ref.Table)}, data, pathSegment(ref.ID)).Int64()
		created = n == 1
		return err
	})
	return created, err
}

func (o *redisOps) replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error) {
	key, field := o.store.key(prev.Ref)
	var n int64
	_, err := o.store.call(ctx, func() error {
		var err error
		if field != "" {
			n, err = replaceRowScript.Run(ctx, o.store.client, []string{key}, field, prev.Tag, data).Int64()
		} else {
			n, err = replaceEntityScript.Run(ctx, o.store.client, []string{key}, prev.Tag, data).Int64()
		}
		return err
	})
	return n == 1, err
}

func (o *redisOps) put(ctx context.Context, ref recordRef, data []byte) error {
	key, field := o.store.key(ref)
	_, err := o.store.call(ctx, func() error {
		if field != "" {
			return o.store.client.HSet(ctx, key, field, data).Err()
		}
		_, err := o.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if ref.Kind == entityRecord {
				pipe.SAdd(ctx, o.store.tableKey(ref.Kind, ref.Table), pathSegment(ref.ID))
			}
			return nil
		})
		return err
	})
	return err
}

func (o *redisOps) remove(ctx context.Context, ref recordRef) (bool, error) {
	key, field := o.store.key(ref)
	var n int64
	_, err := o.store.call(ctx, func() error {
		var err error
		switch {
		case field != "":
			n, err = o.store.client.HDel(ctx, key, field).Result()
		case ref.Kind == entityRecord:
			n, err = removeEntityScript.Run(ctx, o.store.client,
				[]string{key, o.store.tableKey(ref.Kind, ref.Table)}, pathSegment(ref.ID)).Int64()
		default:
			n, err = o.store.client.Del(ctx, key).Result()
		}
		return err
	})
	return n > 0, err
}

func (o *redisOps) scan(ctx context.Context, kind recordKind, table, group string) ([]*storedRecord, error) {
	switch {
	case kind == rowRecord && group != "":
		return o.scanGroup(ctx, table, group)
	case kind == rowRecord:
		var records []*storedRecord
		err := o.scanKeys(ctx, o.store.tableKey(rowRecord, table)+":*", func(key string) error {
			seg := strings.TrimPrefix(key, o.store.tableKey(rowRecord, table)+":")
			g, err := parsePathSegment(seg)
			if err != nil {
				return nil
			}
			rows, err := o.scanGroup(ctx, table, g)
			records = append(records, rows...)
			return err
		})
		return records, err
	case kind == entityRecord:
		return o.scanEntities(ctx, table)
	default:
		var records []*storedRecord
		err := o.scanKeys(ctx, o.store.tableKey(kind, table)+":*", func(key string) error {
			id, err := parsePathSegment(strings.TrimPrefix(key, o.store.tableKey(kind, table)+":"))
			if err != nil {
				return nil
			}
			rec, err := o.get(ctx, recordRef{Kind: kind, Table: table, ID: id})
			if rec != nil {
				records = append(records, rec)
			}
			return err
		})
		return records, err
	}
}

func (o *redisOps) scanGroup(ctx context.Context, table, group string) ([]*storedRecord, error) {
	key, _ := o.store.key(recordRef{Kind: rowRecord, Table: table, Group: group})
	var fields map[string]string
	if _, err := o.store.call(ctx, func() error {
		var err error
		fields, err = o.store.client.HGetAll(ctx, key).Result()
		return err
	}); err != nil {
		return nil, err
	}

	records := make([]*storedRecord, 0, len(fields))
	for field, data := range fields {
		id, err := parsePathSegment(field)
		if err != nil {
			o.store.logger.Warn("skipping malformed association field", "key", key, "field", field)
			continue
		}
		ref := recordRef{Kind: rowRecord, Table: table, Group: group, ID: id}
		records = append(records, &storedRecord{Ref: ref, Data: []byte(data), Tag: data})
	}
	return records, nil
}

// scanEntities reads the table's id set and fetches the documents in pages.
func (o *redisOps) scanEntities(ctx context.Context, table string) ([]*storedRecord, error) {
	var ids []string
	if _, err := o.store.call(ctx, func() error {
		var err error
		ids, err = o.store.client.SMembers(ctx, o.store.tableKey(entityRecord, table)).Result()
		return err
	}); err != nil {
		return nil, err
	}

	var records []*storedRecord
	for start := 0; start < len(ids); start += DefaultScanPageSize {
		end := start + DefaultScanPageSize
		if end > len(ids) {
			end = len(ids)
		}
		refs := make([]recordRef, 0, end-start)
		keys := make([]string, 0, end-start)
		for _, seg := range ids[start:end] {
			id, err := parsePathSegment(seg)
			if err != nil {
				continue
			}
			ref := recordRef{Kind: entityRecord, Table: table, ID: id}
			key, _ := o.store.key(ref)
			refs = append(refs, ref)
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			continue
		}

		var values []interface{}
		if _, err := o.store.call(ctx, func() error {
			var err error
			values, err = o.store.client.MGet(ctx, keys...).Result()
			return err
		}); err != nil {
			return nil, err
		}
		for i, v := range values {
			data, ok := v.(string)
			// Removed between SMEMBERS and MGET.
			if !ok {
				continue
			}
			records = append(records, &storedRecord{Ref: refs[i], Data: []byte(data), Tag: data})
		}
	}
	return records, nil
}

func (o *redisOps) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		var keys []string
		if _, err := o.store.call(ctx, func() error {
			var err error
			keys, cursor, err = o.store.client.Scan(ctx, cursor, pattern, int64(DefaultListPaginatedSize)).Result()
			return err
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (o *redisOps) next(ctx context.Context, ref recordRef, initial, increment int64) (int64, error) {
	key, _ := o.store.key(ref)
	counter := NewCounter(o.store.client, key, o.store.logger, o.store.metrics)
	var value int64
	_, err := o.store.call(ctx, func() error {
		var err error
		value, err = counter.Next(ctx, initial, increment)
		return err
	})
	return value, err
}
