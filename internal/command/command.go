// Package command turns operator input lines into actions on the running
// node. Plugin commands are consulted before the built-in table.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"meshchat/internal/config"
	"meshchat/internal/console"
	"meshchat/internal/gate"
	"meshchat/internal/message"
	"meshchat/internal/metrics"
	"meshchat/internal/notify"
	"meshchat/internal/pipeline"
	"meshchat/internal/plugin"
	"meshchat/internal/plugins"
	"meshchat/internal/registry"
)

// ErrQuit is returned by Execute when the operator asked to leave.
var ErrQuit = errors.New("quit")

var errUsage = errors.New("usage")

type Category int

const (
	CategoryMessaging Category = iota
	CategoryContacts
	CategorySettings
	CategorySystem
)

func (c Category) String() string {
	names := []string{"Messaging", "Contacts", "Settings", "System"}
	if int(c) < len(names) {
		return names[c]
	}
	return "Other"
}

// Info describes one built-in command.
type Info struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Category    Category
	run         func(r *Router, ctx context.Context, in input) error
}

// Plugins is the part of the plugin manager the router drives.
type Plugins interface {
	HandleCommand(cmd string, args []string) (bool, error)
	Commands() map[string]string
	Records() []plugin.Record
	Enable(name string) error
	Disable(name string) error
	Reload() []plugin.LoadError
}

// Notifier is the part of the notification dispatcher the router drives.
type Notifier interface {
	Test()
	Available() notify.Toggles
}

type Options struct {
	Pipeline  *pipeline.Pipeline
	Registry  *registry.Registry
	Blacklist *gate.Blacklist
	Config    *config.Store
	Plugins   Plugins
	Notifier  Notifier
	Console   *console.Console
	Metrics   *metrics.Metrics
	Address   string
	Log       *zap.Logger
	Started   time.Time
	Now       func() time.Time
}

type Router struct {
	p         *pipeline.Pipeline
	reg       *registry.Registry
	blacklist *gate.Blacklist
	cfg       *config.Store
	plugins   Plugins
	notifier  Notifier
	out       *console.Console
	metrics   *metrics.Metrics
	address   string
	log       *zap.Logger
	started   time.Time
	now       func() time.Time

	table    []Info
	commands map[string]*Info
	aliases  map[string]string

	closing   chan struct{}
	closeOnce sync.Once
	watchers  sync.WaitGroup
}

func New(opts Options) *Router {
	r := &Router{
		p:         opts.Pipeline,
		reg:       opts.Registry,
		blacklist: opts.Blacklist,
		cfg:       opts.Config,
		plugins:   opts.Plugins,
		notifier:  opts.Notifier,
		out:       opts.Console,
		metrics:   opts.Metrics,
		address:   opts.Address,
		log:       opts.Log,
		started:   opts.Started,
		now:       opts.Now,
		table:     builtins(),
		commands:  make(map[string]*Info),
		aliases:   make(map[string]string),
		closing:   make(chan struct{}),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("command")
	if r.now == nil {
		r.now = time.Now
	}
	if r.started.IsZero() {
		r.started = r.now()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.notifier == nil {
		r.notifier = silent{}
	}
	for i := range r.table {
		info := &r.table[i]
		r.commands[info.Name] = info
		for _, a := range info.Aliases {
			r.aliases[a] = info.Name
		}
	}
	return r
}

// Resolve maps an alias to its command name. Unknown words are returned
// lowercased and unchanged.
func (r *Router) Resolve(word string) string {
	word = strings.ToLower(word)
	if name, ok := r.aliases[word]; ok {
		return name
	}
	return word
}

// Prompt marks unread inbound messages with a dot.
func (r *Router) Prompt() string {
	if r.p.Unread() > 0 {
		return "● > "
	}
	return "> "
}

// Execute runs one input line. Command failures are reported on the
// console; only ErrQuit is returned.
func (r *Router) Execute(ctx context.Context, line string) error {
	in, ok := parse(line)
	if !ok {
		return nil
	}
	name := r.Resolve(in.cmd)

	if r.plugins != nil {
		handled, err := r.plugins.HandleCommand(name, in.args)
		if handled {
			r.metrics.IncPluginCommand()
			if err != nil {
				r.report(name, err)
			}
			return nil
		}
	}

	info, ok := r.commands[name]
	if !ok {
		r.out.Error("Unknown command: %s", in.cmd)
		r.out.Dim("Type 'help' or 'h' for commands")
		return nil
	}
	err := info.run(r, ctx, in)
	if errors.Is(err, ErrQuit) {
		return ErrQuit
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			r.out.Info("Usage: %s", info.Usage)
			return nil
		}
		r.report(name, err)
	}
	return nil
}

func (r *Router) report(name string, err error) {
	switch {
	case errors.Is(err, plugins.ErrUsage):
		r.out.Info("%v", err)
	case errors.Is(err, registry.ErrStaleReference):
		r.out.Error("%v: that number no longer refers to anyone", err)
	case errors.Is(err, registry.ErrReferenceNotFound):
		r.out.Error("Unknown contact or peer: %v", err)
	default:
		r.out.Error("%s: %v", name, err)
	}
	r.log.Debug("command failed", zap.String("command", name), zap.Error(err))
}

// Close stops waiting on outstanding delivery receipts.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
	r.watchers.Wait()
}

// Commands lists the built-in commands sorted by category and name.
func (r *Router) Commands() []Info {
	out := append([]Info(nil), r.table...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type silent struct{}

func (silent) Test()                     {}
func (silent) Available() notify.Toggles { return notify.Toggles{} }

// input is one parsed line. raw keeps the text after the command word so
// that message bodies keep their spacing.
type input struct {
	cmd  string
	args []string
	raw  string
}

func parse(line string) (input, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return input{}, false
	}
	cmd, raw := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		cmd, raw = line[:i], strings.TrimSpace(line[i:])
	}
	return input{cmd: cmd, args: strings.Fields(raw), raw: raw}, true
}

// rest returns the raw text after the first n arguments.
func (in input) rest(n int) string {
	s := in.raw
	for i := 0; i < n; i++ {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		j := strings.IndexFunc(s, unicode.IsSpace)
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimSpace(s)
}

func (r *Router) resolve(ref string, order []registry.Step) (string, error) {
	t, err := r.reg.Resolve(ref, order)
	if err != nil {
		return "", err
	}
	return t.Address, nil
}

// label is the contact or display name with a short address.
func (r *Router) label(addr string) string {
	name := r.reg.Label(addr)
	short := "<" + message.Short(addr) + ">"
	if name == short {
		return name
	}
	return fmt.Sprintf("%s %s", name, short)
}
