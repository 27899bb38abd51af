// Package store provides durable Persistence backends for the trust store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/mcphost/pkg/canonicalize"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

const (
	certificatesFile = "certificates.json"
	authoritiesFile  = "authorities.json"
	documentVersion  = 1
)

// ErrDigestMismatch is returned when a stored document does not hash to its
// recorded digest.
var ErrDigestMismatch = errors.New("store: document digest mismatch")

// document is the on-disk envelope of one record set.
type document[T any] struct {
	Version int    `json:"version"`
	Digest  string `json:"digest"`
	Records []T    `json:"records"`
}

// FileStore keeps each record set in its own indented JSON document.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ trust.Persistence = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) LoadCertificates(ctx context.Context) ([]trust.Certificate, error) {
	return readDocument[trust.Certificate](&f.mu, filepath.Join(f.dir, certificatesFile))
}

func (f *FileStore) SaveCertificates(ctx context.Context, certs []trust.Certificate) error {
	return writeDocument(&f.mu, filepath.Join(f.dir, certificatesFile), certs)
}

func (f *FileStore) LoadAuthorities(ctx context.Context) ([]trust.Authority, error) {
	return readDocument[trust.Authority](&f.mu, filepath.Join(f.dir, authoritiesFile))
}

func (f *FileStore) SaveAuthorities(ctx context.Context, authorities []trust.Authority) error {
	return writeDocument(&f.mu, filepath.Join(f.dir, authoritiesFile), authorities)
}

func digestOf(records any) (string, error) {
	h, err := canonicalize.CanonicalHash(records)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

func readDocument[T any](mu *sync.Mutex, path string) ([]T, error) {
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the configured data dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var doc document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("%s: unsupported document version %d", filepath.Base(path), doc.Version)
	}
	if doc.Records == nil {
		doc.Records = []T{}
	}
	want, err := digestOf(doc.Records)
	if err != nil {
		return nil, err
	}
	if want != doc.Digest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, filepath.Base(path))
	}
	return doc.Records, nil
}

func writeDocument[T any](mu *sync.Mutex, path string, records []T) error {
	mu.Lock()
	defer mu.Unlock()

	if records == nil {
		records = []T{}
	}
	digest, err := digestOf(records)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(document[T]{
		Version: documentVersion,
		Digest:  digest,
		Records: records,
	}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// atomicWrite replaces path so a crash leaves either the old or the new
// content, never a torn file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil { //nolint:gosec
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
