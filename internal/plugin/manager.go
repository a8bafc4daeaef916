package plugin

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/store"
)

type instance struct {
	name     string
	plugin   Plugin
	commands []string
}

func (in *instance) declares(cmd string) bool {
	for _, c := range in.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

type Options struct {
	Host     Host
	Builtins []Factory
	// Dir holds script plugins. Empty disables scripts.
	Dir string
	// StatePath is where the enabled flags are persisted.
	StatePath string
	Log       *zap.Logger
	// OnError is told about every hook or command failure.
	OnError func(name string, err error)
}

type stateFile struct {
	Enabled map[string]bool `json:"enabled"`
}

// Manager owns the plugin set. The active list is swapped whole on reload
// and read as a snapshot on dispatch, so a hook never runs under m.mu.
type Manager struct {
	opts Options
	log  *zap.Logger

	reloadMu sync.Mutex

	mu      sync.Mutex
	enabled map[string]bool
	version uint64
	writer  store.Writer
	active  []*instance
	records map[string]Record
	// calls counts dispatches still using the current active list. It is
	// replaced with the list, so a swap can wait out the old one.
	calls *sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		log:     opts.Log,
		enabled: make(map[string]bool),
		records: make(map[string]Record),
		calls:   new(sync.WaitGroup),
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if opts.StatePath != "" {
		var st stateFile
		err := store.ReadJSON(opts.StatePath, &st)
		switch {
		case err == nil:
			for k, v := range st.Enabled {
				m.enabled[k] = v
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			m.log.Warn("plugin state unreadable, all plugins enabled", zap.Error(err))
			if errors.Is(err, store.ErrCorrupt) {
				_, _ = store.Quarantine(opts.StatePath)
			}
		}
	}
	return m
}

type candidate struct {
	name    string
	source  string
	path    string
	factory *Factory
}

// discover lists every plugin that could be loaded, ordered by name. A
// script that shares a name with a built-in is shadowed.
func (m *Manager) discover() []candidate {
	seen := make(map[string]bool)
	var out []candidate
	for i := range m.opts.Builtins {
		f := &m.opts.Builtins[i]
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, candidate{name: f.Name, source: SourceBuiltin, factory: f})
	}
	for name, path := range scanScripts(m.opts.Dir) {
		if seen[name] {
			m.log.Warn("script shadowed by built-in plugin", zap.String("plugin", name), zap.String("path", path))
			continue
		}
		seen[name] = true
		out = append(out, candidate{name: name, source: SourceScript, path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) isEnabledLocked(name string) bool {
	v, ok := m.enabled[name]
	return !ok || v
}

func (m *Manager) construct(c candidate) (*instance, Record, error) {
	rec := Record{Name: c.name, Source: c.source, Path: c.path, Enabled: true}
	var (
		p   Plugin
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during load: %v", r)
			}
		}()
		switch c.source {
		case SourceBuiltin:
			rec.Description = c.factory.Description
			rec.Commands = normalizeCommands(c.factory.Commands)
			p, err = c.factory.New(m.opts.Host)
		default:
			var s *scriptPlugin
			s, err = loadScript(c.path, m.opts.Host)
			if err == nil {
				p = s
				rec.Description = s.description
				rec.Commands = s.commands
			}
		}
	}()
	if err == nil && p == nil {
		err = errors.New("constructor returned no plugin")
	}
	if err != nil {
		rec.Err = err.Error()
		return nil, rec, err
	}
	rec.Loaded = true
	return &instance{name: c.name, plugin: p, commands: rec.Commands}, rec, nil
}

func normalizeCommands(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// LoadError reports a plugin that failed to construct.
type LoadError struct {
	Name string
	Err  error
}

func (e LoadError) Error() string { return e.Name + ": " + e.Err.Error() }
func (e LoadError) Unwrap() error { return e.Err }

// Reload rebuilds the active set from the enabled plugins and swaps it in.
// Plugins that fail to construct are reported and skipped. The previous
// instances are closed once dispatches already running on them return.
func (m *Manager) Reload() []LoadError {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cands := m.discover()
	m.mu.Lock()
	enabled := make(map[string]bool, len(cands))
	for _, c := range cands {
		enabled[c.name] = m.isEnabledLocked(c.name)
	}
	m.mu.Unlock()

	var (
		next    []*instance
		records = make(map[string]Record, len(cands))
		failed  []LoadError
	)
	for _, c := range cands {
		if !enabled[c.name] {
			records[c.name] = Record{Name: c.name, Source: c.source, Path: c.path}
			if c.factory != nil {
				rec := records[c.name]
				rec.Description = c.factory.Description
				rec.Commands = normalizeCommands(c.factory.Commands)
				records[c.name] = rec
			}
			continue
		}
		inst, rec, err := m.construct(c)
		records[c.name] = rec
		if err != nil {
			m.log.Warn("plugin failed to load", zap.String("plugin", c.name), zap.Error(err))
			failed = append(failed, LoadError{Name: c.name, Err: err})
			continue
		}
		m.log.Info("plugin loaded", zap.String("plugin", c.name), zap.String("source", c.source))
		next = append(next, inst)
	}

	m.mu.Lock()
	old := m.swapLocked(next)
	m.records = records
	m.mu.Unlock()

	m.retire(old)
	return failed
}

type retired struct {
	instances []*instance
	calls     *sync.WaitGroup
}

func (m *Manager) swapLocked(next []*instance) retired {
	old := retired{instances: m.active, calls: m.calls}
	m.active = next
	m.calls = new(sync.WaitGroup)
	return old
}

// retire waits for dispatches on the old list, then closes its instances.
// It must not be called from inside a plugin hook or command.
func (m *Manager) retire(old retired) {
	old.calls.Wait()
	for _, in := range old.instances {
		m.closeInstance(in)
	}
}

// Close tears down every active plugin.
func (m *Manager) Close() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.mu.Lock()
	old := m.swapLocked(nil)
	for name, rec := range m.records {
		rec.Loaded = false
		m.records[name] = rec
	}
	m.mu.Unlock()
	m.retire(old)
}

func (m *Manager) closeInstance(in *instance) {
	c, ok := in.plugin.(Closer)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("plugin panicked on close", zap.String("plugin", in.name), zap.Any("panic", r))
		}
	}()
	if err := c.Close(); err != nil {
		m.log.Warn("plugin close failed", zap.String("plugin", in.name), zap.Error(err))
	}
}

func (m *Manager) snapshot() []*instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*instance(nil), m.active...)
}

// acquire is snapshot for callers that invoke plugins. release must be
// called once they are done with the instances.
func (m *Manager) acquire() (active []*instance, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := m.calls
	calls.Add(1)
	return append([]*instance(nil), m.active...), calls.Done
}

func (m *Manager) fail(name string, err error) {
	m.log.Warn("plugin error", zap.String("plugin", name), zap.Error(err))
	if m.opts.OnError != nil {
		m.opts.OnError(name, err)
	}
}

// OnMessage offers msg to each active plugin in order and reports whether
// one of them suppressed it. A failing plugin counts as not suppressing.
func (m *Manager) OnMessage(msg message.Message) bool {
	active, release := m.acquire()
	defer release()
	for _, in := range active {
		suppressed, err := m.callOnMessage(in, msg)
		if err != nil {
			m.fail(in.name, err)
			continue
		}
		if suppressed {
			return true
		}
	}
	return false
}

func (m *Manager) callOnMessage(in *instance, msg message.Message) (suppressed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Debug("plugin panic", zap.String("plugin", in.name), zap.ByteString("stack", debug.Stack()))
			suppressed, err = false, fmt.Errorf("panic in on_message: %v", r)
		}
	}()
	return in.plugin.OnMessage(msg)
}

// HandleCommand routes cmd to the first active plugin declaring it. It
// reports false if no plugin claimed the command.
func (m *Manager) HandleCommand(cmd string, args []string) (bool, error) {
	cmd = strings.ToLower(cmd)
	active, release := m.acquire()
	defer release()
	for _, in := range active {
		if !in.declares(cmd) {
			continue
		}
		err := m.callCommand(in, cmd, args)
		if err != nil {
			m.fail(in.name, err)
			return true, fmt.Errorf("%s: %w", in.name, err)
		}
		return true, nil
	}
	return false, nil
}

func (m *Manager) callCommand(in *instance, cmd string, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in command %s: %v", cmd, r)
		}
	}()
	return in.plugin.HandleCommand(cmd, append([]string(nil), args...))
}

// Commands maps every command token of an active plugin to its owner. The
// first plugin in order wins a shared token.
func (m *Manager) Commands() map[string]string {
	out := make(map[string]string)
	for _, in := range m.snapshot() {
		for _, c := range in.commands {
			if _, ok := out[c]; !ok {
				out[c] = in.name
			}
		}
	}
	return out
}

// Enable marks name to load on the next reload.
func (m *Manager) Enable(name string) error { return m.setEnabled(name, true) }

// Disable marks name to be left out of the next reload.
func (m *Manager) Disable(name string) error { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, on bool) error {
	known := false
	for _, c := range m.discover() {
		if c.name == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	m.mu.Lock()
	m.enabled[name] = on
	st := stateFile{Enabled: make(map[string]bool, len(m.enabled))}
	for k, v := range m.enabled {
		st.Enabled[k] = v
	}
	m.version++
	version := m.version
	m.mu.Unlock()
	if m.opts.StatePath == "" {
		return nil
	}
	err := m.writer.Write(version, func() error { return store.WriteJSON(m.opts.StatePath, st) })
	if err != nil {
		m.log.Warn("plugin state save failed", zap.Error(err))
		return err
	}
	return nil
}

// Records reports every known plugin, including scripts added since the
// last reload, ordered by name.
func (m *Manager) Records() []Record {
	cands := m.discover()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(cands))
	for _, c := range cands {
		rec, ok := m.records[c.name]
		if !ok {
			rec = Record{Name: c.name, Source: c.source, Path: c.path}
			if c.factory != nil {
				rec.Description = c.factory.Description
				rec.Commands = normalizeCommands(c.factory.Commands)
			}
		}
		rec.Enabled = m.isEnabledLocked(c.name)
		out = append(out, rec)
	}
	return out
}

// Loaded returns the names of active plugins in dispatch order.
func (m *Manager) Loaded() []string {
	var out []string
	for _, in := range m.snapshot() {
		out = append(out, in.name)
	}
	return out
}
