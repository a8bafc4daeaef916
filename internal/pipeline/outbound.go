package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/metrics"
	"meshchat/internal/transport"
)

// Send records an outbound message to address and hands it to the
// transport. The attempt stays in the log even when the transport refuses
// it. The returned receipt, if any, reports delivery.
func (p *Pipeline) Send(ctx context.Context, address, content string) (message.Message, *transport.Receipt, error) {
	dest, err := message.ParseAddress(address)
	if err != nil {
		return message.Message{}, nil, err
	}
	msg := message.Message{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Source:      p.tr.Address(),
		Destination: dest,
		Content:     content,
		Direction:   message.Outbound,
		StampValid:  true,
	}
	if _, err := p.msgs.append(msg); err != nil {
		p.log.Warn("message not persisted", zap.String("destination", dest), zap.Error(err))
		p.con.Warn("Could not save message to %s: %v", p.reg.Label(dest), err)
	}
	p.reg.Conversations.Touch(dest)

	receipt, sendErr := p.tr.Send(ctx, transport.Outgoing{
		Destination: dest,
		Content:     content,
		Timestamp:   msg.Timestamp,
	})
	p.queue.push(msg)
	if sendErr != nil {
		p.metrics.IncSendFailed()
		p.metrics.Recent().Add(metrics.Event{Kind: "send_failed", Peer: dest, Detail: sendErr.Error()})
		p.log.Info("send failed", zap.String("destination", dest), zap.Error(sendErr))
		return msg, nil, fmt.Errorf("send to %s: %w", message.Short(dest), sendErr)
	}
	p.metrics.IncSent()
	p.metrics.Recent().Add(metrics.Event{Kind: "sent", Peer: dest})
	p.track(dest, receipt)
	return msg, receipt, nil
}

// Reply sends content to the current reply target.
func (p *Pipeline) Reply(ctx context.Context, content string) (message.Message, *transport.Receipt, error) {
	to, ok := p.ReplyTarget()
	if !ok {
		return message.Message{}, nil, ErrNoReplyTarget
	}
	return p.Send(ctx, to, content)
}

// track counts the delivery outcome once the receipt resolves.
func (p *Pipeline) track(dest string, r *transport.Receipt) {
	if r == nil {
		return
	}
	p.watchers.Add(1)
	go func() {
		defer p.watchers.Done()
		select {
		case <-p.closing:
			return
		case <-r.Done():
		}
		if err := r.Err(); err != nil {
			p.metrics.IncFailed()
			p.metrics.Recent().Add(metrics.Event{Kind: "failed", Peer: dest, Detail: err.Error()})
			p.log.Info("delivery failed", zap.String("destination", dest), zap.Error(err))
			return
		}
		p.metrics.IncDelivered()
		p.log.Debug("delivered", zap.String("destination", dest), zap.Duration("elapsed", r.Elapsed()))
	}()
}

// Announce advertises this node with the configured name and stamp cost.
func (p *Pipeline) Announce(ctx context.Context) error {
	c := p.cfg.Get()
	cost := 0
	if c.StampCostEnabled {
		cost = c.StampCost
	}
	if err := p.tr.Announce(ctx, c.DisplayName, cost); err != nil {
		p.log.Warn("announce failed", zap.Error(err))
		return err
	}
	p.metrics.IncAnnounceSent()
	return nil
}
