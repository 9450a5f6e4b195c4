package dialect

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// boltRecordStore keeps records in a bbolt file. Each record kind is a top-level
// bucket with one nested bucket per table; association rows add one more level
// per owner. Counters are 8-byte big-endian integers.
type boltRecordStore struct {
	db     *bolt.DB
	path   string
	logger Logger
}

// NewBoltBackend opens (or creates) the bbolt file at path. A session
// transaction holds bbolt's single writable transaction until it ends.
func NewBoltBackend(path string, logger Logger) (*DocumentBackend, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, DefaultFilePermissions, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range []recordKind{entityRecord, rowRecord, counterRecord} {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind.String())); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", kind)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &boltRecordStore{db: db, path: path, logger: logger}
	return newDocumentBackend(BackendBolt, store, DefaultRetryConfig(), logger), nil
}

func (s *boltRecordStore) location(ref recordRef) string {
	loc := s.path + "#" + ref.Kind.String() + "/" + ref.Table
	if ref.Group != "" {
		loc += "/" + ref.Group
	}
	if ref.ID != "" {
		loc += "/" + ref.ID
	}
	return loc
}

func (s *boltRecordStore) connect(ctx context.Context) (recordConn, error) {
	return &boltConn{db: s.db}, nil
}

func (s *boltRecordStore) close() error {
	return s.db.Close()
}

// boltConn runs each operation in the session's transaction, or in its own
// transaction when none is open.
type boltConn struct {
	db *bolt.DB
	tx *bolt.Tx
}

func (c *boltConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return ErrTransactionActive
	}
	tx, err := c.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "begin bolt transaction")
	}
	c.tx = tx
	return nil
}

func (c *boltConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return errors.Wrap(tx.Commit(), "commit bolt transaction")
}

func (c *boltConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return WithContext(ErrRollbackFailed, map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func (c *boltConn) Close(ctx context.Context) error {
	if c.tx != nil {
		return c.Rollback(ctx)
	}
	return nil
}

func (c *boltConn) update(fn func(tx *bolt.Tx) error) error {
	if c.tx != nil {
		return fn(c.tx)
	}
	return c.db.Update(fn)
}

func (c *boltConn) view(fn func(tx *bolt.Tx) error) error {
	if c.tx != nil {
		return fn(c.tx)
	}
	return c.db.View(fn)
}

// bucket returns the bucket holding ref's key, or nil when it does not exist and
// create is false.
func boltBucket(tx *bolt.Tx, kind recordKind, table, group string, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(kind.String()))
	if b == nil {
		return nil, errors.Errorf("bolt bucket %q missing", kind.String())
	}
	path := []string{table}
	if kind == rowRecord && group != "" {
		path = append(path, group)
	}
	for _, name := range path {
		if !create {
			if b = b.Bucket([]byte(name)); b == nil {
				return nil, nil
			}
			continue
		}
		nb, err := b.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, errors.Wrapf(err, "creating bucket: %s", name)
		}
		b = nb
	}
	return b, nil
}

func (c *boltConn) get(ctx context.Context, ref recordRef) (*storedRecord, error) {
	var rec *storedRecord
	err := c.view(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, ref.Kind, ref.Table, ref.Group, false)
		if err != nil || b == nil {
			return err
		}
		if v := b.Get([]byte(ref.ID)); v != nil {
			// Values are only valid for the life of the transaction.
			data := bytes.Clone(v)
			rec = &storedRecord{Ref: ref, Data: data, Tag: string(data)}
		}
		return nil
	})
	return rec, err
}

func (c *boltConn) create(ctx context.Context, ref recordRef, data []byte) (bool, error) {
	var created bool
	err := c.update(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, ref.Kind, ref.Table, ref.Group, true)
		if err != nil {
			return err
		}
		if b.Get([]byte(ref.ID)) != nil {
			return nil
		}
		created = true
		return b.Put([]byte(ref.ID), data)
	})
	return created, err
}

func (c *boltConn) replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error) {
	var replaced bool
	err := c.update(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, prev.Ref.Kind, prev.Ref.Table, prev.Ref.Group, false)
		if err != nil || b == nil {
			return err
		}
		current := b.Get([]byte(prev.Ref.ID))
		if current == nil || string(current) != prev.Tag {
			return nil
		}
		replaced = true
		return b.Put([]byte(prev.Ref.ID), data)
	})
	return replaced, err
}

func (c *boltConn) put(ctx context.Context, ref recordRef, data []byte) error {
	return c.update(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, ref.Kind, ref.Table, ref.Group, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(ref.ID), data)
	})
}

func (c *boltConn) remove(ctx context.Context, ref recordRef) (bool, error) {
	var removed bool
	err := c.update(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, ref.Kind, ref.Table, ref.Group, false)
		if err != nil || b == nil {
			return err
		}
		if b.Get([]byte(ref.ID)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(ref.ID))
	})
	return removed, err
}

func (c *boltConn) scan(ctx context.Context, kind recordKind, table, group string) ([]*storedRecord, error) {
	var records []*storedRecord
	err := c.view(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, kind, table, group, false)
		if err != nil || b == nil {
			return err
		}
		if kind == rowRecord && group == "" {
			// One nested bucket per owner.
			return b.ForEach(func(owner, v []byte) error {
				if v != nil {
					return nil
				}
				return b.Bucket(owner).ForEach(func(k, v []byte) error {
					records = append(records, boltRecord(kind, table, string(owner), k, v))
					return nil
				})
			})
		}
		return b.ForEach(func(k, v []byte) error {
			if v != nil {
				records = append(records, boltRecord(kind, table, group, k, v))
			}
			return nil
		})
	})
	return records, err
}

func boltRecord(kind recordKind, table, group string, k, v []byte) *storedRecord {
	data := bytes.Clone(v)
	return &storedRecord{
		Ref:  recordRef{Kind: kind, Table: table, Group: group, ID: string(k)},
		Data: data,
		Tag:  string(data),
	}
}

func (c *boltConn) next(ctx context.Context, ref recordRef, initial, increment int64) (int64, error) {
	var value int64
	err := c.update(func(tx *bolt.Tx) error {
		b, err := boltBucket(tx, counterRecord, ref.Table, "", true)
		if err != nil {
			return err
		}
		value = initial
		if v := b.Get([]byte(ref.ID)); v != nil {
			if len(v) != 8 {
				return errors.Errorf("counter %s: corrupt value of %d bytes", ref, len(v))
			}
			value = int64(binary.BigEndian.Uint64(v)) + increment
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(value))
		return b.Put([]byte(ref.ID), buf)
	})
	return value, err
}
