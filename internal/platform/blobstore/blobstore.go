// Package blobstore stores record payloads by content id. The record index
// only ever holds content ids; the bytes live here.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrEmptyContent = errors.New("content is empty")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data and returns its content id. Putting the same bytes
	// twice returns the same id.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes for cid or ErrBlobNotFound.
	Get(ctx context.Context, cid string) ([]byte, error)
}

// CheckSize rejects empty and oversized payloads.
func CheckSize(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyContent
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}
	return nil
}

// MemoryStore keys blobs by the hex SHA-256 of their content.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := CheckSize(data); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	cid := "sha256-" + hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[cid]; !ok {
		s.blobs[cid] = append([]byte(nil), data...)
	}
	return cid, nil
}

func (s *MemoryStore) Get(ctx context.Context, cid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, cid)
	}
	return append([]byte(nil), data...), nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
