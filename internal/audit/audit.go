// Package audit provides a persistent record of descriptor requests served
// through a factory. Every open-by-path request is appended with its
// outcome; the daemon prunes aged records on a schedule.
//
// The store is supervisor-side bookkeeping only. The helper itself persists
// nothing across restarts.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const recordsBucket = "served_requests"

// Record describes one descriptor request and its outcome.
type Record struct {
	ID          uint64    `json:"id"`
	Path        string    `json:"path"`
	Flags       int       `json:"flags"`
	Forwarded   bool      `json:"forwarded"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Log is a bbolt-backed append-only audit trail.
type Log struct {
	db *bolt.DB
}

// Open opens or creates the audit database, creating parent directories as
// needed.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

// Append stores a record, assigning it the next sequence ID.
func (l *Log) Append(r *Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))

		id, _ := b.NextSequence()
		r.ID = id

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) ([]*Record, error) {
	var records []*Record

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, &r)
		}
		return nil
	})

	return records, err
}

// Prune deletes records requested before the cutoff and returns how many
// were removed.
func (l *Log) Prune(before time.Time) (int, error) {
	var removed int

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.RequestedAt.Before(before) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})

	return removed, err
}

// Count returns the number of stored records.
func (l *Log) Count() (int, error) {
	var count int
	err := l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(recordsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Shutdown implements the shutdown.Shutdowner interface.
func (l *Log) Shutdown(context.Context) error {
	return l.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
