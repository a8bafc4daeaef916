package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"meshchat/internal/message"
	"meshchat/internal/pipeline"
	"meshchat/internal/registry"
	"meshchat/internal/transport"
)

const (
	defaultRecent  = 10
	previewLength  = 100
	timestampShape = "2006-01-02 15:04:05"
)

func (r *Router) cmdSend(ctx context.Context, in input) error {
	if len(in.args) < 2 {
		return errUsage
	}
	addr, err := r.resolve(in.args[0], registry.SendOrder)
	if err != nil {
		return err
	}
	r.p.SetReplyTarget(addr)
	return r.sendTo(ctx, addr, in.rest(1))
}

func (r *Router) cmdSendPeer(ctx context.Context, in input) error {
	if len(in.args) < 2 {
		r.out.Info("Usage: sendpeer <peer #> <message>")
		r.out.Dim("Use 'peers' to see the list first")
		return nil
	}
	addr, err := r.resolve(in.args[0], registry.PeerOrder)
	if err != nil {
		return err
	}
	r.p.SetReplyTarget(addr)
	return r.sendTo(ctx, addr, in.rest(1))
}

func (r *Router) cmdReply(ctx context.Context, in input) error {
	target, ok := r.p.ReplyTarget()
	if len(in.args) == 0 {
		r.out.Info("Usage: reply <message>")
		if ok {
			r.out.Dim("Will reply to: %s", r.label(target))
		} else {
			r.out.Warn("No recent message to reply to")
		}
		return nil
	}
	_, receipt, err := r.p.Reply(ctx, in.raw)
	if errors.Is(err, pipeline.ErrNoReplyTarget) {
		r.out.Error("No recent message to reply to")
		r.out.Dim("Receive a message first, then use 'reply'")
		return nil
	}
	if err != nil {
		return err
	}
	r.p.ClearUnread()
	r.out.Success("Sent to %s", r.label(target))
	r.watch(target, receipt)
	return nil
}

func (r *Router) cmdReplyTo(_ context.Context, _ input) error {
	target, ok := r.p.ReplyTarget()
	if !ok {
		r.out.Info("No reply target set")
		r.out.Dim("Receive a message first")
		return nil
	}
	r.out.Info("Current reply target: %s", r.label(target))
	r.out.Dim("  %s", target)
	return nil
}

func (r *Router) sendTo(ctx context.Context, addr, text string) error {
	if strings.TrimSpace(text) == "" {
		return errUsage
	}
	_, receipt, err := r.p.Send(ctx, addr, text)
	if err != nil {
		return err
	}
	r.out.Success("Sent to %s", r.label(addr))
	r.watch(addr, receipt)
	return nil
}

// watch reports the outcome of a delivery when the transport settles it.
func (r *Router) watch(addr string, receipt *transport.Receipt) {
	if receipt == nil {
		return
	}
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		select {
		case <-receipt.Done():
		case <-r.closing:
			return
		}
		took := elapsed(receipt.Elapsed())
		if err := receipt.Err(); err != nil {
			r.out.Error("Failed to %s (after %s)", r.label(addr), took)
			return
		}
		r.out.Success("Delivered to %s (%s)", r.label(addr), took)
	}()
}

func (r *Router) cmdMessages(_ context.Context, in input) error {
	defer r.p.ClearUnread()
	sub := ""
	if len(in.args) > 0 {
		sub = strings.ToLower(in.args[0])
	}
	switch sub {
	case "user":
		if len(in.args) < 2 {
			r.out.Info("Usage: messages user <#>")
			r.out.Dim("Use 'messages list' to see numbered user list")
			return nil
		}
		idx, err := strconv.Atoi(in.args[1])
		if err != nil {
			r.out.Error("User number must be a valid number")
			return nil
		}
		addr, err := r.resolve(in.args[1], registry.ConversationOrder)
		if err != nil {
			if errors.Is(err, registry.ErrStaleReference) {
				return err
			}
			r.out.Error("No conversation with index #%d. Use 'messages list' to see available conversations", idx)
			return nil
		}
		r.p.SetReplyTarget(addr)
		r.showConversation(addr)
	case "list":
		r.showConversations()
	default:
		limit := defaultRecent
		if sub != "" {
			n, err := strconv.Atoi(sub)
			if err != nil || n <= 0 {
				r.out.Warn("Invalid number, showing last %d messages", defaultRecent)
			} else {
				limit = n
			}
		}
		r.showRecent(limit)
	}
	return nil
}

func (r *Router) showRecent(limit int) {
	msgs := r.p.Messages()
	if len(msgs) == 0 {
		r.out.Info("No messages yet")
		return
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	r.out.Header(fmt.Sprintf("RECENT MESSAGES (%d)", len(msgs)))
	for i, m := range msgs {
		r.out.Printf("\n[%d] %s %s %s%s\n", i+1, m.Timestamp.Local().Format(timestampShape), arrow(m), r.label(m.Peer()), stampNote(m))
		if m.Title != "" {
			r.out.Printf("    Title: %s\n", m.Title)
		}
		r.out.Printf("    %s\n", clip(m.Content, previewLength))
	}
	r.out.Dim("\nTip: 'm list' or 'm user <#>'")
}

func (r *Router) showConversation(addr string) {
	msgs := r.p.Conversation(addr)
	if len(msgs) == 0 {
		r.out.Info("No messages with %s", r.label(addr))
		return
	}
	r.out.Header("CHAT: " + strings.ToUpper(r.label(addr)))
	for i, m := range msgs {
		r.out.Printf("\n[%d] %s %s%s\n", i+1, m.Timestamp.Local().Format(timestampShape), arrow(m), stampNote(m))
		if m.Title != "" {
			r.out.Printf("Title: %s\n", m.Title)
		}
		r.out.Printf("%s\n", m.Content)
	}
	r.out.Dim("\nReply: 're <msg>'")
}

func (r *Router) showConversations() {
	entries := r.reg.Conversations.Entries()
	msgs := r.p.Messages()
	if len(msgs) == 0 {
		r.out.Info("No messages yet")
		return
	}
	type tally struct {
		sent, recv int
		last       time.Time
	}
	per := make(map[string]*tally)
	for _, m := range msgs {
		t := per[m.Peer()]
		if t == nil {
			t = &tally{}
			per[m.Peer()] = t
		}
		if m.Direction == message.Outbound {
			t.sent++
		} else {
			t.recv++
		}
		if m.Timestamp.After(t.last) {
			t.last = m.Timestamp
		}
	}
	now := r.now()
	var rows [][]string
	for _, e := range entries {
		t, ok := per[e.Key]
		if !ok || e.Retired {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(e.Index),
			r.label(e.Key),
			strconv.Itoa(t.sent),
			strconv.Itoa(t.recv),
			ago(now.Sub(t.last)),
		})
	}
	r.out.Header("MESSAGE CONVERSATIONS")
	r.out.Table([]string{"#", "Contact", "Sent", "Recv", "Last"}, rows)
	r.out.Dim("m user <#> - View conversation")
	r.out.Dim("m [count]  - Recent messages")
}

func arrow(m message.Message) string {
	if m.Direction == message.Outbound {
		return "→"
	}
	return "←"
}

func stampNote(m message.Message) string {
	if m.Direction == message.Inbound && !m.StampValid {
		return " (invalid stamp)"
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

func elapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d/time.Minute), int(d%time.Minute/time.Second))
}
