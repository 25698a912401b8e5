// Package ledger is the record-of-truth store behind the identity directory,
// permission ledger, record index and consultation journal. A Store is an
// ordered key/value space whose writes are applied as atomic batches with
// per-key preconditions, which is the shape every backend can honor: an
// in-process map, an embedded LevelDB file, or a Hyperledger Fabric channel
// where each batch is one endorsed transaction.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("ledger: key not found")
	ErrKeyExists = errors.New("ledger: key already exists")
	ErrConflict  = errors.New("ledger: precondition failed")
)

// OpKind selects what an Op does to its key.
type OpKind string

const (
	// OpPut writes Value unconditionally.
	OpPut OpKind = "put"
	// OpInsert writes Value only if the key is absent.
	OpInsert OpKind = "insert"
	// OpDelete removes the key; deleting an absent key is not an error.
	OpDelete OpKind = "delete"
	// OpExpect writes nothing; the batch fails unless the key currently
	// holds exactly Value.
	OpExpect OpKind = "expect"
)

// Op is one element of an atomic batch.
type Op struct {
	Kind  OpKind `json:"kind"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Entry is a key/value pair returned by Scan.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Store is implemented by every ledger backend.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Scan returns all entries whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Apply checks every precondition and then writes every op, or writes
	// nothing. Failed preconditions return ErrKeyExists or ErrConflict
	// wrapped with the offending key.
	Apply(ctx context.Context, ops ...Op) error
	Close() error
}

func Put(key string, value []byte) Op    { return Op{Kind: OpPut, Key: key, Value: value} }
func Insert(key string, value []byte) Op { return Op{Kind: OpInsert, Key: key, Value: value} }
func Delete(key string) Op               { return Op{Kind: OpDelete, Key: key} }
func Expect(key string, value []byte) Op { return Op{Kind: OpExpect, Key: key, Value: value} }

// Key joins path segments with "/". Segments must not contain "/".
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// Prefix is Key followed by a trailing separator, for Scan.
func Prefix(parts ...string) string {
	return Key(parts...) + "/"
}

// Seq formats a sequence number so that lexical order equals numeric order.
func Seq(n int64) string {
	return fmt.Sprintf("%012d", n)
}

// Getter reads the current committed value of a key; ok is false when the
// key is absent.
type Getter func(key string) (value []byte, ok bool, err error)

// Check validates ops against current state. Backends call it while holding
// whatever isolation they provide, then write the batch.
func Check(ops []Op, get Getter) error {
	if len(ops) == 0 {
		return fmt.Errorf("ledger: empty batch")
	}
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("ledger: empty key")
		}
		switch op.Kind {
		case OpPut, OpDelete:
		case OpInsert:
			if seen[op.Key] {
				return fmt.Errorf("%w: %s", ErrKeyExists, op.Key)
			}
			_, ok, err := get(op.Key)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: %s", ErrKeyExists, op.Key)
			}
		case OpExpect:
			cur, ok, err := get(op.Key)
			if err != nil {
				return err
			}
			if !ok || !bytes.Equal(cur, op.Value) {
				return fmt.Errorf("%w: %s", ErrConflict, op.Key)
			}
		default:
			return fmt.Errorf("ledger: unknown op kind %q", op.Kind)
		}
		if op.Kind != OpExpect {
			seen[op.Key] = true
		}
	}
	return nil
}
