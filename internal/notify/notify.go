// Package notify tells the operator about new messages through up to three
// channels. Each channel is gated by its own setting, read on every call.
package notify

import (
	"go.uber.org/zap"
)

type Sound interface {
	Play() error
}

type Bell interface {
	Ring() error
}

type Visual interface {
	Show(n Notification) error
}

type Toggles struct {
	Sound  bool
	Bell   bool
	Visual bool
}

type Notification struct {
	From    string
	Preview string
}

// Dispatcher fans a notification out to the enabled channels. A channel
// whose capability is nil is skipped; channel errors are logged only.
type Dispatcher struct {
	toggles func() Toggles
	sound   Sound
	bell    Bell
	visual  Visual
	log     *zap.Logger
	onFire  func()
}

type Options struct {
	Toggles func() Toggles
	Sound   Sound
	Bell    Bell
	Visual  Visual
	Log     *zap.Logger
	// OnFire is called once per notification that reached any channel.
	OnFire func()
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		toggles: opts.Toggles,
		sound:   opts.Sound,
		bell:    opts.Bell,
		visual:  opts.Visual,
		log:     opts.Log,
		onFire:  opts.OnFire,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.toggles == nil {
		d.toggles = func() Toggles { return Toggles{} }
	}
	return d
}

func (d *Dispatcher) Notify(n Notification) {
	t := d.toggles()
	fired := false
	if t.Sound && d.sound != nil {
		fired = true
		if err := d.sound.Play(); err != nil {
			d.log.Warn("sound notification failed", zap.Error(err))
		}
	}
	if t.Bell && d.bell != nil {
		fired = true
		if err := d.bell.Ring(); err != nil {
			d.log.Warn("bell notification failed", zap.Error(err))
		}
	}
	if t.Visual && d.visual != nil {
		fired = true
		if err := d.visual.Show(n); err != nil {
			d.log.Warn("visual notification failed", zap.Error(err))
		}
	}
	if fired && d.onFire != nil {
		d.onFire()
	}
}

// Test fires every enabled channel with a sample notification.
func (d *Dispatcher) Test() {
	d.Notify(Notification{From: "meshchat", Preview: "This is a test notification."})
}

// Available reports which capabilities exist, independent of settings.
func (d *Dispatcher) Available() Toggles {
	return Toggles{Sound: d.sound != nil, Bell: d.bell != nil, Visual: d.visual != nil}
}
