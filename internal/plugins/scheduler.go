package plugins

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
)

const DefaultSchedulerTick = 30 * time.Second

type SchedulerOptions struct {
	// Tick is how often due messages are looked for.
	Tick time.Duration
	Now  func() time.Time
}

type scheduled struct {
	to      string
	label   string
	content string
	due     time.Time
}

// Scheduler sends messages after a delay. Pending messages live in memory
// only and are lost when the plugin is closed or reloaded.
type Scheduler struct {
	h    plugin.Host
	now  func() time.Time
	tick time.Duration

	mu      sync.Mutex
	pending []scheduled

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func SchedulerFactory(opts SchedulerOptions) plugin.Factory {
	return plugin.Factory{
		Name:        "scheduler",
		Description: "Schedule messages for later delivery",
		Commands:    []string{"schedule", "scheduled", "schedule-cancel"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return NewScheduler(h, opts), nil
		},
	}
}

// NewScheduler starts the delivery loop. Close stops it.
func NewScheduler(h plugin.Host, opts SchedulerOptions) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultSchedulerTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		h:    h,
		now:  opts.Now,
		tick: opts.Tick,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.flush()
		}
	}
}

// flush sends everything that is due. Sends happen outside the lock.
func (s *Scheduler) flush() {
	now := s.now()
	s.mu.Lock()
	var due, rest []scheduled
	for _, m := range s.pending {
		if !m.due.After(now) {
			due = append(due, m)
		} else {
			rest = append(rest, m)
		}
	}
	s.pending = rest
	s.mu.Unlock()

	for _, m := range due {
		if err := s.h.Send(m.to, m.content); err != nil {
			s.h.Printf("[scheduler] failed to send to %s: %v\n", m.label, err)
			continue
		}
		s.h.Printf("[scheduler] sent scheduled message to %s\n", m.label)
	}
}

func (s *Scheduler) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Scheduler) OnMessage(message.Message) (bool, error) { return false, nil }

// Pending reports how many messages are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) sorted() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]scheduled(nil), s.pending...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].due.Before(out[j].due) })
	return out
}

func (s *Scheduler) HandleCommand(cmd string, args []string) error {
	switch cmd {
	case "schedule":
		return s.schedule(args)
	case "scheduled":
		s.list()
		return nil
	case "schedule-cancel":
		return s.cancel(args)
	}
	return nil
}

func (s *Scheduler) schedule(args []string) error {
	if len(args) < 3 {
		return usage("schedule <contact|#|address> <minutes> <message>")
	}
	mins, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid minutes %q: must be a number", args[1])
	}
	if mins < 1 {
		return fmt.Errorf("minutes must be at least 1")
	}
	text := strings.TrimSpace(strings.Join(args[2:], " "))
	if text == "" {
		return fmt.Errorf("message cannot be empty")
	}
	addr, err := s.h.Resolve(args[0])
	if err != nil {
		return err
	}
	m := scheduled{
		to:      addr,
		label:   s.h.Label(addr),
		content: text,
		due:     s.now().Add(time.Duration(mins) * time.Minute),
	}
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	s.h.Printf("Message scheduled to %s at %s (in %d %s): %q\n",
		m.label, m.due.Format("2006-01-02 15:04:05"), mins, plural(mins, "minute"), preview(text, 50))
	return nil
}

func (s *Scheduler) list() {
	msgs := s.sorted()
	if len(msgs) == 0 {
		s.h.Printf("No scheduled messages\n")
		return
	}
	now := s.now()
	for i, m := range msgs {
		s.h.Printf("[%d] to %s at %s", i+1, m.label, m.due.Format("2006-01-02 15:04:05"))
		left := int(m.due.Sub(now).Minutes())
		switch {
		case m.due.Sub(now) <= 0:
			s.h.Printf(" (sending soon)")
		case left >= 60:
			s.h.Printf(" (in %dh %dm)", left/60, left%60)
		default:
			s.h.Printf(" (in %d %s)", left, plural(left, "minute"))
		}
		s.h.Printf(": %q\n", preview(m.content, 60))
	}
	s.h.Printf("Total scheduled: %d. Use 'schedule-cancel <#>' to cancel.\n", len(msgs))
}

func (s *Scheduler) cancel(args []string) error {
	if len(args) < 1 {
		return usage("schedule-cancel <#>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("message number must be a number")
	}
	msgs := s.sorted()
	if n < 1 || n > len(msgs) {
		return fmt.Errorf("invalid message number: %d", n)
	}
	target := msgs[n-1]
	s.mu.Lock()
	for i, m := range s.pending {
		if m == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.h.Printf("Cancelled scheduled message to %s\n", target.label)
	return nil
}
