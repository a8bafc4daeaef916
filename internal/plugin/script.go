package plugin

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"meshchat/internal/message"
	"meshchat/internal/registry"
)

// HostImport is the import path scripts use to reach the host.
const HostImport = "meshchat/host"

const scriptExt = ".go"

// Scripts may only import these packages. Anything touching the file
// system, processes or the network is reached through the host instead.
var allowedImports = map[string]bool{
	HostImport:      true,
	"bytes":         true,
	"encoding/json": true,
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"math/rand":     true,
	"regexp":        true,
	"sort":          true,
	"strconv":       true,
	"strings":       true,
	"sync":          true,
	"time":          true,
	"unicode":       true,
	"unicode/utf8":  true,
}

// scriptName maps a file in the plugin directory to a plugin name. It
// reports false for files that are not plugins.
func scriptName(file string) (string, bool) {
	base := filepath.Base(file)
	if !strings.HasSuffix(base, scriptExt) || strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, "_") {
		return "", false
	}
	return strings.TrimSuffix(base, scriptExt), true
}

// scanScripts lists plugin scripts in dir by name. A missing directory is
// an empty list.
func scanScripts(dir string) map[string]string {
	out := make(map[string]string)
	if dir == "" {
		return out
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := scriptName(e.Name()); ok {
			out[name] = filepath.Join(dir, e.Name())
		}
	}
	return out
}

func checkImports(path string, src []byte) error {
	f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.ImportsOnly)
	if err != nil {
		return err
	}
	var bad []string
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !allowedImports[p] {
			bad = append(bad, imp.Path.Value)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: %s", ErrForbidden, strings.Join(bad, ", "))
	}
	return nil
}

func hostExports(h Host) interp.Exports {
	return interp.Exports{
		HostImport + "/host": {
			"Message":   reflect.ValueOf((*message.Message)(nil)),
			"Direction": reflect.ValueOf((*message.Direction)(nil)),
			"Contact":   reflect.ValueOf((*registry.Contact)(nil)),
			"Peer":      reflect.ValueOf((*registry.Peer)(nil)),
			"Inbound":   reflect.ValueOf(message.Inbound),
			"Outbound":  reflect.ValueOf(message.Outbound),

			"Send":          reflect.ValueOf(h.Send),
			"Resolve":       reflect.ValueOf(h.Resolve),
			"IsBlacklisted": reflect.ValueOf(h.IsBlacklisted),
			"Address":       reflect.ValueOf(h.Address),
			"DisplayName":   reflect.ValueOf(h.DisplayName),
			"Label":         reflect.ValueOf(h.Label),
			"Contacts":      reflect.ValueOf(h.Contacts),
			"AddContact":    reflect.ValueOf(h.AddContact),
			"Peers":         reflect.ValueOf(h.Peers),
			"Messages":      reflect.ValueOf(h.Messages),
			"Printf":        reflect.ValueOf(h.Printf),
			"Notify":        reflect.ValueOf(h.Notify),
		},
	}
}

// scriptPlugin adapts the functions a script defines to Plugin.
type scriptPlugin struct {
	description string
	commands    []string
	onMessage   func(message.Message) bool
	handle      func(string, []string) error
}

func (s *scriptPlugin) OnMessage(msg message.Message) (bool, error) {
	return s.onMessage(msg), nil
}

func (s *scriptPlugin) HandleCommand(cmd string, args []string) error {
	return s.handle(cmd, args)
}

// loadScript interprets the script at path in a fresh interpreter bound to h.
// Every required function must be present with the expected signature.
func loadScript(path string, h Host) (*scriptPlugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkImports(path, src); err != nil {
		return nil, err
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(hostExports(h)); err != nil {
		return nil, fmt.Errorf("failed to load host symbols: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	lookup := func(name string) (any, error) {
		v, err := i.Eval("main." + name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingHook, name)
		}
		return v.Interface(), nil
	}

	s := &scriptPlugin{}
	fn, err := lookup("Description")
	if err != nil {
		return nil, err
	}
	desc, ok := fn.(func() string)
	if !ok {
		return nil, fmt.Errorf("%w: Description must be func() string", ErrMissingHook)
	}
	fn, err = lookup("Commands")
	if err != nil {
		return nil, err
	}
	cmds, ok := fn.(func() []string)
	if !ok {
		return nil, fmt.Errorf("%w: Commands must be func() []string", ErrMissingHook)
	}
	fn, err = lookup("OnMessage")
	if err != nil {
		return nil, err
	}
	if s.onMessage, ok = fn.(func(message.Message) bool); !ok {
		return nil, fmt.Errorf("%w: OnMessage must be func(host.Message) bool", ErrMissingHook)
	}
	fn, err = lookup("HandleCommand")
	if err != nil {
		return nil, err
	}
	if s.handle, ok = fn.(func(string, []string) error); !ok {
		return nil, fmt.Errorf("%w: HandleCommand must be func(string, []string) error", ErrMissingHook)
	}
	s.description = desc()
	for _, c := range cmds() {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			s.commands = append(s.commands, c)
		}
	}
	return s, nil
}
