package store

import "sync"

// Writer serializes the saves of one document. Callers take a snapshot and
// a version number under their own lock, release it, then call Write; a
// snapshot older than the last one saved is dropped, so the file never
// goes back in time.
type Writer struct {
	mu    sync.Mutex
	saved uint64
}

// Write runs save unless a version at least as new was already saved.
func (w *Writer) Write(version uint64, save func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if version <= w.saved {
		return nil
	}
	if err := save(); err != nil {
		return err
	}
	w.saved = version
	return nil
}
