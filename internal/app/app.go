// Package app assembles a node from its home directory and runs it: the
// transport, the inbound pipeline, the announce loop, the plugin watcher
// and the interactive prompt.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshchat/internal/command"
	"meshchat/internal/config"
	"meshchat/internal/console"
	"meshchat/internal/gate"
	"meshchat/internal/logging"
	"meshchat/internal/metrics"
	"meshchat/internal/node"
	"meshchat/internal/notify"
	"meshchat/internal/pipeline"
	"meshchat/internal/plugin"
	"meshchat/internal/plugins"
	"meshchat/internal/pprofutil"
	"meshchat/internal/registry"
	"meshchat/internal/store"
	"meshchat/internal/transport"
	"meshchat/internal/transport/memnet"
	"meshchat/internal/transport/quicnet"
)

const (
	messagesFile    = "messages.db"
	blacklistFile   = "blacklist.json"
	pluginStateFile = "plugins.json"
	metricsFile     = "metrics.json"
	soundsDir       = "sounds"
	pluginsDir      = "plugins"

	announceTimeout = 30 * time.Second
)

type Options struct {
	Home  string
	Debug bool
	// Listen overrides listen_addr from the configuration.
	Listen string
	// Offline runs on an in-process transport with no network.
	Offline bool
	In      io.Reader
	Out     io.Writer
	// Transport replaces the network transport when set.
	Transport transport.Transport
	// Log replaces the file logger when set.
	Log *zap.Logger
}

type App struct {
	home    string
	log     *zap.Logger
	ownLog  bool
	in      io.Reader
	con     *console.Console
	cfg     *config.Store
	self    *node.Node
	tr      transport.Transport
	db      *store.MessageDB
	reg     *registry.Registry
	bl      *gate.Blacklist
	metrics *metrics.Metrics
	notify  *notify.Dispatcher
	p       *pipeline.Pipeline
	plugins *plugin.Manager
	router  *command.Router
	started time.Time
	ran     bool
}

// New opens everything under opts.Home. Nothing runs until Run.
func New(opts Options) (*App, error) {
	home := opts.Home
	if home == "" {
		home = config.DefaultHome()
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("home %s: %w", home, err)
	}
	a := &App{home: home, in: opts.In, log: opts.Log, metrics: metrics.New(), started: time.Now()}
	if a.in == nil {
		a.in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	a.con = console.New(out)
	if a.log == nil {
		log, err := logging.New(logging.Options{Dir: home, Debug: opts.Debug})
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		a.log, a.ownLog = log, true
	}

	if err := a.open(opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(opts Options) error {
	var err error
	a.cfg, err = config.Open(filepath.Join(a.home, config.FileName), a.log.Named("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.self, err = node.Load(a.home)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	a.tr, err = a.openTransport(opts)
	if err != nil {
		return err
	}
	a.db, err = store.OpenMessageDB(filepath.Join(a.home, messagesFile))
	if err != nil {
		// the log still works from memory; history is lost at exit
		a.log.Warn("message database unavailable", zap.Error(err))
		a.con.Warn("Message history unavailable: %v", err)
		a.db = nil
	}
	a.reg = registry.Open(a.home, registry.Options{
		Log: a.log.Named("registry"),
		OnSaveError: func(doc string, err error) {
			a.con.Warn("Could not save %s: %v", doc, err)
		},
	})
	a.bl = gate.OpenBlacklist(filepath.Join(a.home, blacklistFile), a.log.Named("gate"))

	a.notify = notify.NewDispatcher(notify.Options{
		Toggles: func() notify.Toggles {
			c := a.cfg.Get()
			return notify.Toggles{Sound: c.NotifySound, Bell: c.NotifyBell, Visual: c.NotifyVisual}
		},
		Sound:  notify.FindSound(filepath.Join(a.home, soundsDir)),
		Bell:   newBell(a.con),
		Visual: notify.Banner{Console: a.con},
		Log:    a.log.Named("notify"),
		OnFire: a.metrics.IncNotified,
	})

	a.p, err = pipeline.New(pipeline.Options{
		Transport: a.tr,
		Registry:  a.reg,
		Blacklist: a.bl,
		DB:        a.db,
		Config:    a.cfg,
		Notifier:  a.notify,
		Console:   a.con,
		Metrics:   a.metrics,
		Log:       a.log.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	a.plugins = plugin.NewManager(plugin.Options{
		Host:      a.p.Host(),
		Builtins:  plugins.Builtins(),
		Dir:       a.pluginDir(),
		StatePath: filepath.Join(a.home, pluginStateFile),
		Log:       a.log.Named("plugin"),
		OnError: func(name string, err error) {
			a.metrics.IncPluginError()
			a.con.Warn("Plugin %s: %v", name, err)
		},
	})
	for _, le := range a.plugins.Reload() {
		a.con.Error("Plugin %s failed to load: %v", le.Name, le.Err)
	}
	a.p.SetHooks(a.plugins)

	a.router = command.New(command.Options{
		Pipeline:  a.p,
		Registry:  a.reg,
		Blacklist: a.bl,
		Config:    a.cfg,
		Plugins:   a.plugins,
		Notifier:  a.notify,
		Console:   a.con,
		Metrics:   a.metrics,
		Address:   a.self.Address,
		Log:       a.log,
		Started:   a.started,
	})
	return nil
}

func (a *App) openTransport(opts Options) (transport.Transport, error) {
	switch {
	case opts.Transport != nil:
		return opts.Transport, nil
	case opts.Offline:
		a.log.Info("offline mode, no network transport")
		return memnet.NewHub().Attach(a.self.Address), nil
	}
	c := a.cfg.Get()
	listen := c.ListenAddr
	if opts.Listen != "" {
		listen = opts.Listen
	}
	tr, err := quicnet.New(quicnet.Options{
		Node:       a.self,
		ListenAddr: listen,
		Links:      c.Links,
		Log:        a.log.Named("quicnet"),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return tr, nil
}

func (a *App) pluginDir() string {
	if dir := a.cfg.Get().PluginDir; dir != "" {
		return dir
	}
	return filepath.Join(a.home, pluginsDir)
}

func (a *App) Address() string { return a.self.Address }

func (a *App) Router() *command.Router { return a.router }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Exec runs one command line without starting the network. It is used by
// the non-interactive subcommands.
func (a *App) Exec(ctx context.Context, line string) error {
	err := a.router.Execute(ctx, line)
	if errors.Is(err, command.ErrQuit) {
		return nil
	}
	return err
}

// Run blocks until the operator quits, input ends, ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	a.ran = true
	prof, err := pprofutil.StartFromEnv(a.log.Named("pprof"))
	if err != nil {
		a.con.Warn("pprof: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = prof.Shutdown(sctx)
	}()

	a.banner()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tr.Start(ctx, a.p) })
	g.Go(func() error { return a.p.Run(ctx) })
	g.Go(func() error { return a.announceLoop(ctx) })
	g.Go(func() error { return a.watchPlugins(ctx) })
	g.Go(func() error { return a.prompt(ctx) })

	err = g.Wait()
	if errors.Is(err, command.ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) banner() {
	c := a.cfg.Get()
	a.con.Banner(
		"meshchat",
		"Name:    "+c.DisplayName,
		"Address: "+a.self.Address,
	)
	if c.AutoAnnounce {
		a.con.Dim("Auto-announce every %ds", c.AnnounceInterval)
	}
	a.con.Dim("Type 'help' for commands")
}

// prompt reads lines until quit or end of input. Both end the run, which is
// why it reports them as ErrQuit.
func (a *App) prompt(ctx context.Context) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		a.con.Raw(a.router.Prompt())
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return command.ErrQuit
			}
			if err := a.router.Execute(ctx, line); err != nil {
				return err
			}
		}
	}
}

// announceLoop announces at startup and then every announce_interval,
// measured from the previous announce. Config changes are picked up
// without waiting for the old interval to run out.
func (a *App) announceLoop(ctx context.Context) error {
	var last time.Time
	for {
		changed := a.cfg.Changed()
		c := a.cfg.Get()
		var fire <-chan time.Time
		var timer *time.Timer
		if c.AutoAnnounce {
			wait := time.Duration(0)
			if !last.IsZero() {
				wait = time.Until(last.Add(c.Interval()))
			}
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-changed:
			stopTimer(timer)
		case <-fire:
			last = time.Now()
			a.announce(ctx)
		}
	}
}

func (a *App) announce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	if err := a.p.Announce(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("auto-announce failed", zap.Error(err))
		return
	}
	a.log.Debug("auto-announced")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// watchPlugins tells the operator when a script changes on disk. Reloading
// stays a manual step.
func (a *App) watchPlugins(ctx context.Context) error {
	w, err := plugin.NewWatcher(a.pluginDir(), a.log.Named("plugin"), func(changes []plugin.Change) {
		for _, ch := range changes {
			a.con.Warn("Plugin script %s changed (%s). Type 'plugin reload' to apply", ch.Name, ch.Op)
		}
	})
	if err != nil {
		a.log.Warn("plugin watcher unavailable", zap.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Close releases everything New opened. It is safe on a partly opened App.
func (a *App) Close() {
	if a.router != nil {
		a.router.Close()
	}
	if a.plugins != nil {
		a.plugins.Close()
	}
	if a.p != nil {
		a.p.Close()
	}
	if a.tr != nil {
		if err := a.tr.Close(); err != nil {
			a.log.Debug("transport close", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("message database close", zap.Error(err))
		}
	}
	if a.ran {
		if err := a.metrics.WriteSnapshot(filepath.Join(a.home, metricsFile)); err != nil {
			a.log.Warn("metrics snapshot failed", zap.Error(err))
		}
	}
	if a.ownLog {
		_ = a.log.Sync()
	}
}

// newBell rings through the console so BEL never lands inside a line.
func newBell(con *console.Console) notify.BellWriter {
	return notify.BellWriter{W: con.Writer(), Times: 2}
}
