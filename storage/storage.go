// Package storage persists handshake requests and delivery records for
// crash recovery. Memory backs tests and throwaway clients; FileStore
// writes one JSON document per entity under a base directory.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/delivery"
	"github.com/whisp-im/whisp/keyexchange"
)

// Memory is an in-process store. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*keyexchange.Request
	records  map[string]*delivery.Record
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]*keyexchange.Request),
		records:  make(map[string]*delivery.Record),
	}
}

// SaveRequest stores a handshake request.
func (m *Memory) SaveRequest(req *keyexchange.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *req
	m.requests[req.ID] = &c
	return nil
}

// LoadRequest returns a stored request, or (nil, nil) when absent.
func (m *Memory) LoadRequest(requestID string) (*keyexchange.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, nil
	}
	c := *req
	return &c, nil
}

// SaveDeliveryRecord stores a delivery record.
func (m *Memory) SaveDeliveryRecord(rec *delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.records[rec.MessageID] = &c
	return nil
}

// LoadDeliveryRecord returns a stored record, or (nil, nil) when
// absent.
func (m *Memory) LoadDeliveryRecord(messageID string) (*delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[messageID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

const (
	requestsDir   = "requests"
	deliveriesDir = "deliveries"
	dirPerm       = 0700
	filePerm      = 0600
)

// FileStore persists entities as JSON files, one per entity, under
// <dir>/requests and <dir>/deliveries. Writes go through a temp file
// and rename so a crash never leaves a torn document.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates (or reuses) the storage directory layout.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{requestsDir, deliveriesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewFileStore",
		"dir":      dir,
	}).Debug("File store opened")
	return &FileStore{dir: dir}, nil
}

// SaveRequest persists a handshake request.
func (f *FileStore) SaveRequest(req *keyexchange.Request) error {
	return f.write(requestsDir, req.ID, req)
}

// LoadRequest reads a request back, or (nil, nil) when absent.
func (f *FileStore) LoadRequest(requestID string) (*keyexchange.Request, error) {
	var req keyexchange.Request
	ok, err := f.read(requestsDir, requestID, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

// SaveDeliveryRecord persists a delivery record.
func (f *FileStore) SaveDeliveryRecord(rec *delivery.Record) error {
	return f.write(deliveriesDir, rec.MessageID, rec)
}

// LoadDeliveryRecord reads a record back, or (nil, nil) when absent.
func (f *FileStore) LoadDeliveryRecord(messageID string) (*delivery.Record, error) {
	var rec delivery.Record
	ok, err := f.read(deliveriesDir, messageID, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (f *FileStore) write(sub, id string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", sub, id, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(sub, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (f *FileStore) read(sub, id string, v interface{}) (bool, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path(sub, id))
	f.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s/%s: %w", sub, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", sub, id, err)
	}
	return true, nil
}

func (f *FileStore) path(sub, id string) string {
	return filepath.Join(f.dir, sub, sanitize(id)+".json")
}

// sanitize keeps entity ids filesystem-safe. Ids are uuids in practice,
// but inbound ids come off the wire and are not trusted.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
