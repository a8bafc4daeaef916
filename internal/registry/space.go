// Package registry assigns the short numeric references operators type
// instead of addresses. Contacts, peers and conversations each draw from an
// independent index space; an index once issued is never handed to another
// address.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshchat/internal/store"
)

var (
	ErrReferenceNotFound = errors.New("reference not found")
	ErrStaleReference    = fmt.Errorf("%w: index was retired", ErrReferenceNotFound)
	ErrDuplicateName     = errors.New("name already in use")
	ErrDuplicateAddress  = errors.New("address already saved")
	ErrEmptyName         = errors.New("name is empty")
)

// Options carries the ambient dependencies shared by every book.
type Options struct {
	Log *zap.Logger
	// OnSaveError is told about documents that could not be written after
	// retries. The in-memory state stays authoritative.
	OnSaveError func(doc string, err error)
}

func (o Options) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

func (o Options) saveFailed(doc string, err error) {
	o.logger().Warn("save failed", zap.String("doc", doc), zap.Error(err))
	if o.OnSaveError != nil {
		o.OnSaveError(doc, err)
	}
}

type Entry struct {
	Index   int
	Key     string
	Retired bool
}

// spaceFile keeps tombstones by index, since a key that was retired and
// registered again owns both its old retired index and a new live one.
type spaceFile struct {
	Next        int            `json:"next"`
	Allocations map[string]int `json:"allocations"`
	Retired     map[int]string `json:"retired,omitempty"`
}

// Space is one monotonic index space. Register holds the space lock across
// allocation and persistence so no two keys can observe the same counter.
type Space struct {
	mu      sync.Mutex
	name    string
	path    string
	opts    Options
	next    int
	byKey   map[string]int
	byIndex map[int]string
	retired map[int]bool
}

// OpenSpace loads the allocation table at path. A missing file starts an
// empty space; a corrupt one is set aside and the space starts empty, to be
// raised again by Adopt from the owning book.
func OpenSpace(name, path string, opts Options) *Space {
	s := &Space{
		name:    name,
		path:    path,
		opts:    opts,
		next:    1,
		byKey:   make(map[string]int),
		byIndex: make(map[int]string),
		retired: make(map[int]bool),
	}
	var f spaceFile
	err := store.ReadJSON(path, &f)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return s
	default:
		opts.logger().Warn("index table unreadable, starting empty", zap.String("space", name), zap.Error(err))
		if errors.Is(err, store.ErrCorrupt) {
			_, _ = store.Quarantine(path)
		}
		return s
	}
	for key, idx := range f.Allocations {
		s.adoptLocked(key, idx)
	}
	for idx, key := range f.Retired {
		if idx <= 0 || key == "" {
			continue
		}
		if owner, ok := s.byIndex[idx]; ok && owner != key {
			continue
		}
		s.byIndex[idx] = key
		s.retired[idx] = true
		if idx >= s.next {
			s.next = idx + 1
		}
	}
	if f.Next > s.next {
		s.next = f.Next
	}
	return s
}

func (s *Space) Name() string { return s.name }

// Register returns the live index for key, allocating the next free one if
// key has none. A retired key gets a fresh index; its old one stays a
// tombstone.
func (s *Space) Register(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byKey[key]; ok && !s.retired[idx] {
		return idx, false
	}
	idx := s.next
	s.next++
	s.byKey[key] = idx
	s.byIndex[idx] = key
	s.persistLocked()
	return idx, true
}

// Adopt records an index learned from another document, raising the
// counter past it. It reports false if idx already belongs to another key.
func (s *Space) Adopt(key string, idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.adoptLocked(key, idx) {
		return false
	}
	s.persistLocked()
	return true
}

func (s *Space) adoptLocked(key string, idx int) bool {
	if idx <= 0 || key == "" {
		return false
	}
	if owner, ok := s.byIndex[idx]; ok && owner != key {
		return false
	}
	if old, ok := s.byKey[key]; ok && old != idx {
		s.retired[old] = true
	}
	s.byKey[key] = idx
	s.byIndex[idx] = key
	delete(s.retired, idx)
	if idx >= s.next {
		s.next = idx + 1
	}
	return true
}

// Retire tombstones key's index. The index stays reserved.
func (s *Space) Retire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byKey[key]
	if !ok || s.retired[idx] {
		return
	}
	s.retired[idx] = true
	s.persistLocked()
}

func (s *Space) Lookup(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byKey[key]
	if !ok || s.retired[idx] {
		return 0, false
	}
	return idx, true
}

// KeyOf returns the key that owns idx. A retired index yields
// ErrStaleReference, an unknown one ErrReferenceNotFound.
func (s *Space) KeyOf(idx int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byIndex[idx]
	if !ok {
		return "", fmt.Errorf("%s #%d: %w", s.name, idx, ErrReferenceNotFound)
	}
	if s.retired[idx] {
		return "", fmt.Errorf("%s #%d: %w", s.name, idx, ErrStaleReference)
	}
	return key, nil
}

// Next is the index the next new key would receive.
func (s *Space) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Space) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.byIndex))
	for idx, key := range s.byIndex {
		out = append(out, Entry{Index: idx, Key: key, Retired: s.retired[idx]})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *Space) persistLocked() {
	f := spaceFile{Next: s.next, Allocations: make(map[string]int, len(s.byKey))}
	for key, idx := range s.byKey {
		if !s.retired[idx] {
			f.Allocations[key] = idx
		}
	}
	if len(s.retired) > 0 {
		f.Retired = make(map[int]string, len(s.retired))
		for idx := range s.retired {
			f.Retired[idx] = s.byIndex[idx]
		}
	}
	if err := store.WriteJSON(s.path, f); err != nil {
		s.opts.saveFailed(s.name+" index", err)
	}
}
