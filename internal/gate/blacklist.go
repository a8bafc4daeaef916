package gate

import (
	"errors"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/store"
)

// Blacklist is the persisted set of blocked addresses. It is independent of
// contacts and peers: blocking an address does not touch either book.
type Blacklist struct {
	mu      sync.Mutex
	path    string
	log     *zap.Logger
	set     map[string]struct{}
	writer  store.Writer
	version uint64
}

func OpenBlacklist(path string, log *zap.Logger) *Blacklist {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Blacklist{path: path, log: log, set: make(map[string]struct{})}
	var list []string
	err := store.ReadJSON(path, &list)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return b
	default:
		log.Warn("blacklist unreadable, starting empty", zap.Error(err))
		if errors.Is(err, store.ErrCorrupt) {
			_, _ = store.Quarantine(path)
		}
		return b
	}
	for _, a := range list {
		if addr, err := message.ParseAddress(a); err == nil {
			b.set[addr] = struct{}{}
		}
	}
	return b
}

func (b *Blacklist) Contains(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[address]
	return ok
}

// Add reports whether the address was newly blocked.
func (b *Blacklist) Add(address string) (bool, error) {
	addr, err := message.ParseAddress(address)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	if _, ok := b.set[addr]; ok {
		b.mu.Unlock()
		return false, nil
	}
	b.set[addr] = struct{}{}
	return true, b.unlockAndSave()
}

// Remove reports whether the address had been blocked.
func (b *Blacklist) Remove(address string) (bool, error) {
	b.mu.Lock()
	if _, ok := b.set[address]; !ok {
		b.mu.Unlock()
		return false, nil
	}
	delete(b.set, address)
	return true, b.unlockAndSave()
}

// Clear empties the set and returns how many entries were removed.
func (b *Blacklist) Clear() (int, error) {
	b.mu.Lock()
	n := len(b.set)
	if n == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	b.set = make(map[string]struct{})
	return n, b.unlockAndSave()
}

func (b *Blacklist) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listLocked()
}

func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.set)
}

func (b *Blacklist) listLocked() []string {
	out := make([]string, 0, len(b.set))
	for a := range b.set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// unlockAndSave releases b.mu and writes the snapshot taken under it. The
// change stays in effect in memory even if the write fails.
func (b *Blacklist) unlockAndSave() error {
	b.version++
	version := b.version
	snapshot := b.listLocked()
	b.mu.Unlock()

	err := b.writer.Write(version, func() error { return store.WriteJSON(b.path, snapshot) })
	if err != nil {
		b.log.Warn("blacklist save failed", zap.Error(err))
	}
	return err
}
