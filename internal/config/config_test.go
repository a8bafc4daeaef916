package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	st, err := Open(path, nil)
	require.NoError(t, err)

	cfg := st.Get()
	assert.Equal(t, DefaultDisplayName, cfg.DisplayName)
	assert.Equal(t, DefaultAnnounceInterval, cfg.AnnounceInterval)
	assert.True(t, cfg.NotifySound && cfg.NotifyBell && cfg.NotifyVisual)
	assert.False(t, cfg.IgnoreInvalidStamps)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenCorruptRestoresDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("display_name: [unterminated"), 0600))

	st, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDisplayName, st.Get().DisplayName)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultDisplayName, reloaded.DisplayName)

	matches, _ := filepath.Glob(path + ".corrupt-*")
	assert.Len(t, matches, 1)
}

func TestLoadAppliesFloorsAndClamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("announce_interval: 5\nstamp_cost: 99\ndisplay_name: '  '\n"), 0600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinAnnounceInterval, cfg.AnnounceInterval)
	assert.Equal(t, MaxStampCost, cfg.StampCost)
	assert.Equal(t, DefaultDisplayName, cfg.DisplayName)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESHCHAT_DISPLAY_NAME", "Relay")
	t.Setenv("MESHCHAT_LISTEN", "127.0.0.1:9999")
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, "Relay", cfg.DisplayName)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
}

func TestSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	st, err := Open(path, nil)
	require.NoError(t, err)

	_, err = st.Set("notify_bell", "off")
	require.NoError(t, err)
	_, err = st.Set("announce_interval", "10")
	require.NoError(t, err)
	_, err = st.Set("display_name", "Alice")
	require.NoError(t, err)

	_, err = st.Set("notify_bell", "maybe")
	assert.ErrorIs(t, err, ErrBadValue)
	_, err = st.Set("colour", "blue")
	assert.ErrorIs(t, err, ErrUnknownKey)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.NotifyBell)
	assert.Equal(t, MinAnnounceInterval, cfg.AnnounceInterval)
	assert.Equal(t, "Alice", cfg.DisplayName)
}

func TestGetReturnsCopy(t *testing.T) {
	st := NewMemoryStore(Config{Links: []string{"a:1"}})
	cfg := st.Get()
	cfg.Links[0] = "mutated"
	assert.Equal(t, "a:1", st.Get().Links[0])
}

func TestChangedFiresOnUpdate(t *testing.T) {
	st := NewMemoryStore(*DefaultConfig())
	ch := st.Changed()
	select {
	case <-ch:
		t.Fatal("changed before any update")
	default:
	}
	_, err := st.Set("announce_interval", "600")
	require.NoError(t, err)
	select {
	case <-ch:
	default:
		t.Fatal("expected change signal after update")
	}
	assert.NotEqual(t, ch, st.Changed())
}

func TestValueRendersSettings(t *testing.T) {
	cfg := *DefaultConfig()
	v, ok := cfg.Value("notify_bell")
	require.True(t, ok)
	assert.Equal(t, "on", v)
	v, ok = cfg.Value("announce_interval")
	require.True(t, ok)
	assert.Equal(t, "300", v)
	_, ok = cfg.Value("listen_addr")
	assert.False(t, ok)
}

func TestConcurrentUpdatesSaveLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	st, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Update(func(c *Config) { c.StampCost = i % MaxStampCost })
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, st.Get().StampCost, onDisk.StampCost)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
