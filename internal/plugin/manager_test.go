package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meshchat/internal/message"
	"meshchat/internal/testutil"
)

type fake struct {
	mu       sync.Mutex
	seen     []string
	suppress bool
	fail     error
	panics   bool
	closed   bool
	commands []string
}

func (f *fake) OnMessage(msg message.Message) (bool, error) {
	f.mu.Lock()
	f.seen = append(f.seen, msg.Content)
	f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	return f.suppress, f.fail
}

func (f *fake) HandleCommand(cmd string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd+" "+strings.Join(args, " "))
	return f.fail
}

func (f *fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fake) seenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func factory(name string, p *fake, cmds ...string) Factory {
	return Factory{Name: name, Commands: cmds, New: func(Host) (Plugin, error) { return p, nil }}
}

func inbound(content string) message.Message {
	return message.Message{Content: content, Direction: message.Inbound, Timestamp: time.Now()}
}

func TestDispatchOrderSuppressionAndIsolation(t *testing.T) {
	a := &fake{panics: true}
	b := &fake{fail: errors.New("bad")}
	c := &fake{suppress: true}
	d := &fake{}
	var errs []string
	m := NewManager(Options{
		Host: testutil.NewHost(),
		// registration order differs from name order on purpose
		Builtins: []Factory{factory("d", d), factory("c", c), factory("b", b), factory("a", a)},
		OnError:  func(name string, err error) { errs = append(errs, name) },
	})
	require.Empty(t, m.Reload())
	assert.Equal(t, []string{"a", "b", "c", "d"}, m.Loaded())

	assert.True(t, m.OnMessage(inbound("hi")))
	assert.Equal(t, 1, a.seenCount())
	assert.Equal(t, 1, b.seenCount())
	assert.Equal(t, 1, c.seenCount())
	assert.Equal(t, 0, d.seenCount(), "chain stops at the first suppressor")
	assert.Equal(t, []string{"a", "b"}, errs)

	c.suppress = false
	assert.False(t, m.OnMessage(inbound("again")))
	assert.Equal(t, 1, d.seenCount())
}

func TestDisableReloadScenario(t *testing.T) {
	state := filepath.Join(t.TempDir(), "plugins.json")
	echo := &fake{}
	newManager := func() *Manager {
		return NewManager(Options{
			Host:      testutil.NewHost(),
			Builtins:  []Factory{factory("echo", echo, "echo")},
			StatePath: state,
		})
	}
	m := newManager()
	m.Reload()
	require.Len(t, m.Records(), 1)
	assert.Equal(t, "loaded", m.Records()[0].Status())

	require.NoError(t, m.Disable("echo"))
	assert.Equal(t, "disabled (pending reload)", m.Records()[0].Status())
	m.OnMessage(inbound("still active"))
	assert.Equal(t, 1, echo.seenCount())

	m.Reload()
	assert.Equal(t, "disabled", m.Records()[0].Status())
	assert.True(t, echo.closed)
	m.OnMessage(inbound("now gone"))
	assert.Equal(t, 1, echo.seenCount())
	handled, err := m.HandleCommand("echo", nil)
	assert.False(t, handled)
	assert.NoError(t, err)

	// the flag survives a restart
	restarted := newManager()
	restarted.Reload()
	assert.Empty(t, restarted.Loaded())

	require.NoError(t, restarted.Enable("echo"))
	assert.Equal(t, "enabled (pending reload)", restarted.Records()[0].Status())
	restarted.Reload()
	assert.Equal(t, []string{"echo"}, restarted.Loaded())

	assert.ErrorIs(t, restarted.Enable("nope"), ErrUnknownPlugin)
}

func TestReloadSkipsFailingConstructor(t *testing.T) {
	good := &fake{}
	m := NewManager(Options{
		Host: testutil.NewHost(),
		Builtins: []Factory{
			{Name: "broken", New: func(Host) (Plugin, error) { return nil, errors.New("no config") }},
			{Name: "panicky", New: func(Host) (Plugin, error) { panic("at load") }},
			factory("good", good),
		},
	})
	failed := m.Reload()
	require.Len(t, failed, 2)
	assert.Equal(t, "broken", failed[0].Name)
	assert.Equal(t, []string{"good"}, m.Loaded())

	recs := m.Records()
	assert.Equal(t, "failed: no config", recs[0].Status())
	assert.True(t, strings.HasPrefix(recs[2].Status(), "failed: panic during load"))
}

func TestHandleCommandFirstDeclarerWins(t *testing.T) {
	first := &fake{}
	second := &fake{}
	m := NewManager(Options{
		Host:     testutil.NewHost(),
		Builtins: []Factory{factory("b-second", second, "Ping"), factory("a-first", first, "ping", "pong")},
	})
	m.Reload()

	handled, err := m.HandleCommand("PING", []string{"x"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"ping x"}, first.commands)
	assert.Empty(t, second.commands)
	assert.Equal(t, map[string]string{"ping": "a-first", "pong": "a-first"}, m.Commands())

	first.fail = errors.New("nope")
	handled, err = m.HandleCommand("pong", nil)
	assert.True(t, handled)
	assert.Error(t, err)

	handled, _ = m.HandleCommand("unknown", nil)
	assert.False(t, handled)
}

func TestScriptPlugins(t *testing.T) {
	host := testutil.NewHost()
	m := NewManager(Options{Host: host, Dir: "testdata/good"})
	require.Empty(t, m.Reload())
	assert.Equal(t, []string{"shout"}, m.Loaded())

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, SourceScript, recs[0].Source)
	assert.Equal(t, "Shouts its arguments back", recs[0].Description)

	handled, err := m.HandleCommand("shout", []string{"hello", "there"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "HELLO THERE!\n", host.Output())

	assert.True(t, m.OnMessage(inbound("please be quiet")))
	assert.False(t, m.OnMessage(inbound("loud")))
	out := inbound("quiet outbound")
	out.Direction = message.Outbound
	assert.False(t, m.OnMessage(out))
}

func TestScriptFailures(t *testing.T) {
	m := NewManager(Options{Host: testutil.NewHost(), Dir: "testdata/bad"})
	failed := m.Reload()
	require.Len(t, failed, 2)
	byName := map[string]error{}
	for _, f := range failed {
		byName[f.Name] = f.Err
	}
	assert.ErrorIs(t, byName["nohandler"], ErrMissingHook)
	assert.ErrorIs(t, byName["spawner"], ErrForbidden)
	assert.Empty(t, m.Loaded())
}

func TestBuiltinShadowsScript(t *testing.T) {
	builtin := &fake{}
	m := NewManager(Options{
		Host:     testutil.NewHost(),
		Dir:      "testdata/good",
		Builtins: []Factory{factory("shout", builtin, "shout")},
	})
	m.Reload()
	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, SourceBuiltin, recs[0].Source)
}

func TestWatcherReportsNewScript(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	dir := t.TempDir()
	changes := make(chan []Change, 4)
	w, err := NewWatcher(dir, nil, func(c []Change) { changes <- c })
	require.NoError(t, err)
	w.debounceDur = 20 * time.Millisecond
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_skip.go"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.go"), []byte("package main"), 0600))

	select {
	case got := <-changes:
		require.Len(t, got, 1)
		assert.Equal(t, Change{Name: "greeter", Op: "added"}, got[0])
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a change notification")
	}
}

// gated blocks in OnMessage until release is closed and records whether it
// was ever called after Close.
type gated struct {
	entered   chan struct{}
	release   chan struct{}
	mu        sync.Mutex
	closed    bool
	lateCalls int
}

func (g *gated) OnMessage(message.Message) (bool, error) {
	g.mu.Lock()
	if g.closed {
		g.lateCalls++
	}
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return false, nil
}

func (g *gated) HandleCommand(string, []string) error { return nil }

func (g *gated) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *gated) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func TestReloadWaitsForRunningHooks(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	g := &gated{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewManager(Options{
		Host:     testutil.NewHost(),
		Builtins: []Factory{{Name: "slow", New: func(Host) (Plugin, error) { return g, nil }}},
	})
	require.Empty(t, m.Reload())

	hookDone := make(chan struct{})
	go func() {
		defer close(hookDone)
		m.OnMessage(inbound("first"))
	}()
	<-g.entered

	reloaded := make(chan struct{})
	go func() {
		defer close(reloaded)
		m.Reload()
	}()

	select {
	case <-reloaded:
		t.Fatal("reload returned while a hook was still running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, g.isClosed(), "closed under a running hook")

	close(g.release)
	<-hookDone
	<-reloaded
	assert.True(t, g.isClosed())

	m.Close()
	assert.Zero(t, g.lateCalls)
}

func TestConcurrentToggleLeavesLatestStateOnDisk(t *testing.T) {
	state := filepath.Join(t.TempDir(), "plugins.json")
	var builtins []Factory
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		builtins = append(builtins, factory(name, &fake{}))
	}
	m := NewManager(Options{Host: testutil.NewHost(), Builtins: builtins, StatePath: state})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := builtins[i%len(builtins)].Name
			if i%3 == 0 {
				assert.NoError(t, m.Disable(name))
			} else {
				assert.NoError(t, m.Enable(name))
			}
		}(i)
	}
	wg.Wait()

	reopened := NewManager(Options{Host: testutil.NewHost(), Builtins: builtins, StatePath: state})
	assert.Equal(t, m.Records(), reopened.Records())
	_, err := os.Stat(state + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
