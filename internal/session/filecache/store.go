package filecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

const (
	schemaVersion   = 1
	cacheFileMode   = 0o600
	cacheDirMode    = 0o700
	tempFilePattern = ".sessions-*.toml.tmp"
)

type fileSchema struct {
	Version  int           `toml:"version"`
	Sessions []entrySchema `toml:"sessions"`
}

type entrySchema struct {
	Proxy     string    `toml:"proxy"`
	UID       string    `toml:"uid"`
	BrowserID string    `toml:"browser_id"`
	Owner     string    `toml:"owner"`
	SavedAt   time.Time `toml:"saved_at"`
}

// Store persists session records in a TOML file. Every write rewrites the
// whole file through a temp file and rename.
type Store struct {
	path string
	mu   sync.RWMutex
}

var _ session.Store = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("session cache path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session cache path: %w", err)
	}
	return &Store{path: filepath.Clean(abs)}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context, proxy string) (session.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return session.Record{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.read()
	if err != nil {
		return session.Record{}, false, err
	}
	for _, e := range file.Sessions {
		if e.Proxy == proxy {
			return fromSchema(e), true, nil
		}
	}
	return session.Record{}, false, nil
}

func (s *Store) Save(ctx context.Context, proxy string, rec session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}

	encoded := toSchema(proxy, rec)
	updated := false
	for i := range file.Sessions {
		if file.Sessions[i].Proxy == proxy {
			file.Sessions[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Sessions = append(file.Sessions, encoded)
	}

	return s.write(file)
}

func (s *Store) Delete(ctx context.Context, proxy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}

	kept := file.Sessions[:0]
	for _, e := range file.Sessions {
		if e.Proxy != proxy {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(file.Sessions) {
		return nil
	}
	file.Sessions = kept

	return s.write(file)
}

func (s *Store) read() (fileSchema, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{Version: schemaVersion}, nil
		}
		return fileSchema{}, fmt.Errorf("read session cache: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode session cache: %w", err)
	}
	if file.Version == 0 {
		file.Version = schemaVersion
	}
	if file.Version != schemaVersion {
		return fileSchema{}, fmt.Errorf("session cache version %d not supported", file.Version)
	}
	return file, nil
}

func (s *Store) write(file fileSchema) error {
	file.Version = schemaVersion

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, cacheDirMode); err != nil {
		return fmt.Errorf("create session cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp session cache: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp session cache: %w", err)
	}
	if err := tmp.Chmod(cacheFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp session cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session cache: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace session cache: %w", err)
	}
	return nil
}

func toSchema(proxy string, rec session.Record) entrySchema {
	return entrySchema{
		Proxy:     proxy,
		UID:       rec.UID,
		BrowserID: rec.BrowserID,
		Owner:     rec.Owner,
		SavedAt:   rec.SavedAt.UTC(),
	}
}

func fromSchema(e entrySchema) session.Record {
	return session.Record{
		Identity: session.Identity{UID: e.UID, BrowserID: e.BrowserID},
		Owner:    e.Owner,
		SavedAt:  e.SavedAt,
	}
}
