package command

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"meshchat/internal/config"
)

func (r *Router) cmdHelp(_ context.Context, in input) error {
	if len(in.args) > 0 {
		return r.helpFor(in.args[0])
	}
	r.out.Header("COMMANDS")
	last := Category(-1)
	for _, info := range r.Commands() {
		if info.Category != last {
			last = info.Category
			r.out.Info("\n%s", last)
		}
		name := info.Usage
		if len(info.Aliases) > 0 {
			name += "  (" + strings.Join(info.Aliases, ", ") + ")"
		}
		r.out.Printf("  %-52s %s\n", name, info.Description)
	}
	if r.plugins != nil {
		owners := r.plugins.Commands()
		if len(owners) > 0 {
			cmds := make([]string, 0, len(owners))
			for c := range owners {
				cmds = append(cmds, c)
			}
			sort.Strings(cmds)
			r.out.Info("\nPlugins")
			for _, c := range cmds {
				r.out.Printf("  %-52s from %s\n", c, owners[c])
			}
		}
	}
	r.out.Dim("\nType 'help <command>' for details")
	return nil
}

func (r *Router) helpFor(word string) error {
	name := r.Resolve(word)
	if info, ok := r.commands[name]; ok {
		r.out.Info("Usage: %s", info.Usage)
		r.out.Dim("%s", info.Description)
		if len(info.Aliases) > 0 {
			r.out.Dim("Aliases: %s", strings.Join(info.Aliases, ", "))
		}
		return nil
	}
	if r.plugins != nil {
		if owner, ok := r.plugins.Commands()[name]; ok {
			r.out.Info("%s is provided by the %s plugin", name, owner)
			return nil
		}
	}
	r.out.Error("No such command: %s", word)
	return nil
}

func (r *Router) cmdStats(_ context.Context, _ input) error {
	st := r.p.Stats()
	if st.Sent+st.Received == 0 {
		r.out.Info("No messages yet")
		return nil
	}
	r.out.Header("MESSAGING STATISTICS")
	r.out.Printf("  Total Messages: %d\n  Sent: %d\n  Received: %d\n  Unique Contacts: %d\n\n",
		st.Sent+st.Received, st.Sent, st.Received, len(st.Peers))
	rows := make([][]string, 0, len(st.Peers))
	for _, ps := range st.Peers {
		rows = append(rows, []string{
			clip(r.label(ps.Address), 33),
			strconv.Itoa(ps.Sent),
			strconv.Itoa(ps.Received),
			strconv.Itoa(ps.Sent + ps.Received),
		})
	}
	r.out.Table([]string{"Contact", "Sent", "Received", "Total"}, rows)
	return nil
}

func (r *Router) cmdStatus(_ context.Context, _ input) error {
	cfg := r.cfg.Get()
	snap := r.metrics.Snapshot()

	r.out.Header("SYSTEM STATUS")
	r.out.Info("Identity")
	r.out.Printf("  Display Name: %s\n  Address: %s\n", cfg.DisplayName, r.address)

	r.out.Info("Network")
	if cfg.AutoAnnounce {
		r.out.Printf("  Auto-announce: ENABLED (every %ds)\n", cfg.AnnounceInterval)
	} else {
		r.out.Printf("  Auto-announce: DISABLED\n")
	}
	r.out.Printf("  Discovery alerts: %s\n", onOff(cfg.DiscoveryAlerts))
	r.out.Printf("  Listen: %s\n", cfg.ListenAddr)
	if len(cfg.Links) > 0 {
		r.out.Printf("  Links: %s\n", strings.Join(cfg.Links, ", "))
	}
	r.out.Printf("  Announces: %d sent, %d heard, %d new peers\n", snap.Announces.Sent, snap.Announces.Received, snap.Announces.NewPeers)

	r.out.Info("Security")
	if cfg.StampCostEnabled && cfg.StampCost > 0 {
		r.out.Printf("  Stamp Cost: ENABLED\n  Required Proof: %d bits\n  Ignore Invalid: %s\n", cfg.StampCost, yesNo(cfg.IgnoreInvalidStamps))
	} else {
		r.out.Printf("  Stamp Cost: DISABLED\n")
	}
	if n := r.blacklist.Len(); n > 0 {
		r.out.Printf("  Blacklist: %d blocked\n", n)
	} else {
		r.out.Printf("  Blacklist: Empty\n")
	}

	r.out.Info("Notifications")
	avail := r.notifier.Available()
	sound := onOff(cfg.NotifySound)
	if cfg.NotifySound && !avail.Sound {
		sound += " (no player found)"
	}
	r.out.Printf("  Sound: %s\n  Terminal Bell: %s\n  Visual Flash: %s\n", sound, onOff(cfg.NotifyBell), onOff(cfg.NotifyVisual))

	st := r.p.Stats()
	r.out.Info("Statistics")
	r.out.Printf("  Contacts: %d\n  Announced peers: %d\n  Total messages: %d (↑%d ↓%d)\n",
		r.reg.Contacts.Len(), r.reg.Peers.Len(), st.Sent+st.Received, st.Sent, st.Received)
	if r.plugins != nil {
		recs := r.plugins.Records()
		loaded := 0
		for _, rec := range recs {
			if rec.Loaded {
				loaded++
			}
		}
		r.out.Printf("  Plugins: %d/%d loaded\n", loaded, len(recs))
	}

	r.out.Info("Pipeline")
	r.out.Printf("  Accepted: %d (invalid stamp %d, duplicates dropped %d, notifications suppressed %d)\n",
		snap.Inbound.Accepted, snap.Inbound.InvalidStamp, snap.Inbound.DropDuplicate, snap.Inbound.Suppressed)
	for _, reason := range snap.DropReasons() {
		r.out.Printf("  Dropped (%s): %d\n", reason, snap.DropByReason[reason])
	}
	r.out.Printf("  Outbound: %d sent, %d refused, %d delivered, %d failed\n",
		snap.Outbound.Sent, snap.Outbound.SendFailed, snap.Outbound.Delivered, snap.Outbound.Failed)

	r.out.Info("System")
	up := r.now().Sub(r.started)
	r.out.Printf("  Uptime: %dh %dm\n", int(up/time.Hour), int(up%time.Hour/time.Minute))
	if snap.Plugins.Errors > 0 {
		r.out.Printf("  Plugin errors: %d\n", snap.Plugins.Errors)
	}
	return nil
}

func (r *Router) cmdSettings(_ context.Context, in input) error {
	switch {
	case len(in.args) == 0:
		cfg := r.cfg.Get()
		r.out.Header("SETTINGS")
		for _, kv := range config.Keys() {
			v, _ := cfg.Value(kv[0])
			r.out.Printf("  %-22s %-10s %s\n", kv[0], v, kv[1])
		}
		r.out.Dim("\nChange: 'settings <key> <value>'   Try notifications: 'settings test'")
		return nil
	case len(in.args) == 1 && strings.EqualFold(in.args[0], "test"):
		r.notifier.Test()
		r.out.Success("Test notification sent")
		return nil
	case len(in.args) >= 2:
		key := strings.ToLower(in.args[0])
		cfg, err := r.cfg.Set(key, in.rest(1))
		if err != nil {
			return r.settingError(err)
		}
		v, _ := cfg.Value(key)
		r.out.Success("%s = %s", key, v)
		return nil
	}
	return errUsage
}

func (r *Router) settingError(err error) error {
	switch {
	case errors.Is(err, config.ErrUnknownKey):
		r.out.Error("%v", err)
		r.out.Dim("Type 'settings' to see the keys")
		return nil
	case errors.Is(err, config.ErrBadValue):
		r.out.Error("%v", err)
		return nil
	}
	r.out.Warn("Setting applied but not saved: %v", err)
	return nil
}

func (r *Router) cmdAddress(_ context.Context, _ input) error {
	cfg := r.cfg.Get()
	r.out.Printf("\nDisplay Name: %s\nAddress: %s\n", cfg.DisplayName, r.address)
	if cfg.AutoAnnounce {
		r.out.Printf("Auto-announce: Every %ds\n\n", cfg.AnnounceInterval)
	} else {
		r.out.Printf("Auto-announce: off\n\n")
	}
	return nil
}

func (r *Router) cmdName(ctx context.Context, in input) error {
	if len(in.args) == 0 {
		return errUsage
	}
	cfg, err := r.cfg.Set("display_name", in.raw)
	if err != nil {
		return r.settingError(err)
	}
	r.out.Success("Display name: %s", cfg.DisplayName)
	if err := r.p.Announce(ctx); err != nil {
		r.out.Warn("Announce failed: %v", err)
		return nil
	}
	r.out.Success("Announced to network")
	return nil
}

func (r *Router) cmdInterval(_ context.Context, in input) error {
	if len(in.args) == 0 {
		r.out.Info("Current interval: %ds", r.cfg.Get().AnnounceInterval)
		r.out.Info("Usage: interval <seconds>")
		r.out.Dim("Minimum: %d seconds", config.MinAnnounceInterval)
		return nil
	}
	n, err := strconv.Atoi(in.args[0])
	if err != nil {
		r.out.Error("Invalid number")
		return nil
	}
	if n < config.MinAnnounceInterval {
		r.out.Warn("Minimum interval is %d seconds, setting to %d", config.MinAnnounceInterval, config.MinAnnounceInterval)
	}
	cfg, err := r.cfg.Set("announce_interval", strconv.Itoa(n))
	if err != nil {
		return r.settingError(err)
	}
	r.out.Success("Announce interval changed to: %ds", cfg.AnnounceInterval)
	return nil
}

func (r *Router) cmdAnnounce(ctx context.Context, _ input) error {
	if err := r.p.Announce(ctx); err != nil {
		return err
	}
	r.out.Success("Announced manually")
	return nil
}

func (r *Router) cmdDiscoverAnnounce(_ context.Context, in input) error {
	if len(in.args) == 0 {
		r.out.Info("Discovery announces: %s", strings.ToUpper(onOff(r.cfg.Get().DiscoveryAlerts)))
		r.out.Info("Usage: discoverannounce <on/off>")
		r.out.Dim("Controls whether new peer discoveries are shown")
		return nil
	}
	cfg, err := r.cfg.Set("discovery_alerts", in.args[0])
	if errors.Is(err, config.ErrBadValue) {
		r.out.Error("Use 'on' or 'off'")
		return nil
	}
	if err != nil {
		return r.settingError(err)
	}
	if cfg.DiscoveryAlerts {
		r.out.Success("Discovery announces enabled")
	} else {
		r.out.Success("Discovery announces disabled")
	}
	return nil
}

func (r *Router) cmdPlugin(_ context.Context, in input) error {
	if r.plugins == nil {
		r.out.Info("Plugins are not available")
		return nil
	}
	sub := "list"
	if len(in.args) > 0 {
		sub = strings.ToLower(in.args[0])
	}
	switch {
	case sub == "list":
		recs := r.plugins.Records()
		if len(recs) == 0 {
			r.out.Info("No plugins found")
			return nil
		}
		rows := make([][]string, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, []string{rec.Name, rec.Status(), rec.Source, strings.Join(rec.Commands, " "), clip(rec.Description, 40)})
		}
		r.out.Header("PLUGINS")
		r.out.Table([]string{"Name", "Status", "Source", "Commands", "Description"}, rows)
		r.out.Dim("plugin enable|disable <name>, then 'plugin reload'")
	case sub == "enable" && len(in.args) >= 2:
		if err := r.plugins.Enable(in.args[1]); err != nil {
			return err
		}
		r.out.Success("Plugin %s enabled", in.args[1])
		r.out.Warn("Use 'plugin reload' to activate")
	case sub == "disable" && len(in.args) >= 2:
		if err := r.plugins.Disable(in.args[1]); err != nil {
			return err
		}
		r.out.Success("Plugin %s disabled", in.args[1])
		r.out.Warn("Use 'plugin reload' to deactivate")
	case sub == "reload":
		for _, le := range r.plugins.Reload() {
			r.out.Error("Plugin %s failed to load: %v", le.Name, le.Err)
		}
		loaded := 0
		for _, rec := range r.plugins.Records() {
			if rec.Loaded {
				loaded++
			}
		}
		r.out.Success("Plugins reloaded (%d loaded)", loaded)
	default:
		return errUsage
	}
	return nil
}

func (r *Router) cmdDebug(_ context.Context, _ input) error {
	snap := r.metrics.Snapshot()
	r.out.Header("DEBUG")
	r.out.Printf("  Goroutines: %d\n", runtime.NumGoroutine())
	r.out.Printf("  Hook worker idle: %t\n", r.p.Idle())
	r.out.Printf("  Unread: %d\n", r.p.Unread())
	r.out.Printf("  Messages in log: %d\n", r.p.MessageCount())
	r.out.Printf("  Conversations: %d\n", len(r.reg.Conversations.Entries()))
	r.out.Printf("  Notifications fired: %d\n", snap.Notified)
	r.out.Printf("  Plugin commands: %d, plugin errors: %d\n", snap.Plugins.Commands, snap.Plugins.Errors)
	events := r.metrics.Recent().List()
	if len(events) == 0 {
		return nil
	}
	r.out.Info("Recent events")
	for _, e := range events {
		line := fmt.Sprintf("  %s %-14s %s", e.At.Local().Format("15:04:05"), e.Kind, e.Peer)
		if e.Detail != "" {
			line += " " + e.Detail
		}
		r.out.Printf("%s\n", line)
	}
	return nil
}

func (r *Router) cmdClear(_ context.Context, _ input) error {
	r.out.Clear()
	return nil
}

func (r *Router) cmdQuit(_ context.Context, _ input) error {
	r.out.Info("Goodbye!")
	return ErrQuit
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
