package registry

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/store"
)

type Contact struct {
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Index   int       `json:"index"`
	AddedAt time.Time `json:"added_at"`
}

type docWriter struct {
	path string
	w    store.Writer
}

func (d *docWriter) write(version uint64, v any) error {
	return d.w.Write(version, func() error { return store.WriteJSON(d.path, v) })
}

// ContactBook holds the operator's saved contacts. Names are unique without
// regard to case and an address belongs to at most one contact.
//
// edit serializes mutations and is held across index writes. mu guards the
// maps only, so lookups never wait on the disk.
type ContactBook struct {
	edit      sync.Mutex
	mu        sync.Mutex
	opts      Options
	space     *Space
	writer    docWriter
	version   uint64
	byName    map[string]*Contact
	byAddress map[string]*Contact
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func OpenContactBook(path string, space *Space, opts Options) *ContactBook {
	b := &ContactBook{
		opts:      opts,
		space:     space,
		writer:    docWriter{path: path},
		byName:    make(map[string]*Contact),
		byAddress: make(map[string]*Contact),
	}
	var list []Contact
	err := store.ReadJSON(path, &list)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return b
	default:
		opts.logger().Warn("contacts unreadable, starting empty", zap.Error(err))
		if errors.Is(err, store.ErrCorrupt) {
			_, _ = store.Quarantine(path)
		}
		return b
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	for i := range list {
		c := list[i]
		addr, err := message.ParseAddress(c.Address)
		if err != nil || nameKey(c.Name) == "" {
			opts.logger().Warn("skipping invalid contact", zap.String("name", c.Name), zap.String("address", c.Address))
			continue
		}
		if _, dup := b.byName[nameKey(c.Name)]; dup {
			opts.logger().Warn("skipping duplicate contact name", zap.String("name", c.Name))
			continue
		}
		if _, dup := b.byAddress[addr]; dup {
			opts.logger().Warn("skipping duplicate contact address", zap.String("address", addr))
			continue
		}
		c.Address = addr
		if c.Index <= 0 || !space.Adopt(addr, c.Index) {
			c.Index, _ = space.Register(addr)
		}
		b.byName[nameKey(c.Name)] = &c
		b.byAddress[addr] = &c
	}
	return b
}

// Add saves a new contact under a freshly issued index. An address that was
// saved before and removed does not get its old index back.
func (b *ContactBook) Add(name, address string) (Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Contact{}, ErrEmptyName
	}
	addr, err := message.ParseAddress(address)
	if err != nil {
		return Contact{}, err
	}
	b.edit.Lock()
	defer b.edit.Unlock()
	b.mu.Lock()
	_, nameTaken := b.byName[nameKey(name)]
	_, addrTaken := b.byAddress[addr]
	b.mu.Unlock()
	if nameTaken {
		return Contact{}, ErrDuplicateName
	}
	if addrTaken {
		return Contact{}, ErrDuplicateAddress
	}
	idx, _ := b.space.Register(addr)
	c := &Contact{Name: name, Address: addr, Index: idx, AddedAt: time.Now().UTC()}
	b.mu.Lock()
	b.byName[nameKey(name)] = c
	b.byAddress[addr] = c
	out := *c
	b.unlockAndSave()
	return out, nil
}

// Remove deletes the contact with the given name and tombstones its index.
func (b *ContactBook) Remove(name string) (Contact, error) {
	b.edit.Lock()
	defer b.edit.Unlock()
	b.mu.Lock()
	c, ok := b.byName[nameKey(name)]
	if !ok {
		b.mu.Unlock()
		return Contact{}, ErrReferenceNotFound
	}
	delete(b.byName, nameKey(c.Name))
	delete(b.byAddress, c.Address)
	out := *c
	b.unlockAndSave()
	b.space.Retire(out.Address)
	return out, nil
}

// Rename changes a contact's name. The index is kept.
func (b *ContactBook) Rename(address, newName string) (Contact, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return Contact{}, ErrEmptyName
	}
	b.edit.Lock()
	defer b.edit.Unlock()
	b.mu.Lock()
	c, ok := b.byAddress[address]
	if !ok {
		b.mu.Unlock()
		return Contact{}, ErrReferenceNotFound
	}
	if other, ok := b.byName[nameKey(newName)]; ok && other != c {
		b.mu.Unlock()
		return Contact{}, ErrDuplicateName
	}
	delete(b.byName, nameKey(c.Name))
	c.Name = newName
	b.byName[nameKey(newName)] = c
	out := *c
	b.unlockAndSave()
	return out, nil
}

// Readdress moves a contact to a new address. Indices are keyed by address,
// so the old index is retired and the contact takes a fresh one.
func (b *ContactBook) Readdress(address, newAddress string) (Contact, error) {
	addr, err := message.ParseAddress(newAddress)
	if err != nil {
		return Contact{}, err
	}
	b.edit.Lock()
	defer b.edit.Unlock()
	b.mu.Lock()
	c, ok := b.byAddress[address]
	if !ok {
		b.mu.Unlock()
		return Contact{}, ErrReferenceNotFound
	}
	if addr == c.Address {
		out := *c
		b.mu.Unlock()
		return out, nil
	}
	if _, ok := b.byAddress[addr]; ok {
		b.mu.Unlock()
		return Contact{}, ErrDuplicateAddress
	}
	oldAddr := c.Address
	b.mu.Unlock()

	b.space.Retire(oldAddr)
	idx, _ := b.space.Register(addr)

	b.mu.Lock()
	delete(b.byAddress, oldAddr)
	c.Address = addr
	c.Index = idx
	b.byAddress[addr] = c
	out := *c
	b.unlockAndSave()
	return out, nil
}

func (b *ContactBook) ByName(name string) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byName[nameKey(name)]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

func (b *ContactBook) ByAddress(address string) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byAddress[address]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

func (b *ContactBook) ByIndex(idx int) (Contact, error) {
	addr, err := b.space.KeyOf(idx)
	if err != nil {
		return Contact{}, err
	}
	c, ok := b.ByAddress(addr)
	if !ok {
		return Contact{}, ErrReferenceNotFound
	}
	return c, nil
}

// List returns a snapshot ordered by index.
func (b *ContactBook) List() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listLocked()
}

func (b *ContactBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byName)
}

func (b *ContactBook) listLocked() []Contact {
	out := make([]Contact, 0, len(b.byName))
	for _, c := range b.byName {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (b *ContactBook) unlockAndSave() {
	b.version++
	version := b.version
	snapshot := b.listLocked()
	b.mu.Unlock()
	if err := b.writer.write(version, snapshot); err != nil {
		b.opts.saveFailed("contacts", err)
	}
}
