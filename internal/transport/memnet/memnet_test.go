package memnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meshchat/internal/transport"
)

type recorder struct {
	mu        sync.Mutex
	inbound   []transport.Inbound
	announces []transport.Announce
}

func (r *recorder) HandleInbound(in transport.Inbound) {
	r.mu.Lock()
	r.inbound = append(r.inbound, in)
	r.mu.Unlock()
}

func (r *recorder) HandleAnnounce(a transport.Announce) {
	r.mu.Lock()
	r.announces = append(r.announces, a)
	r.mu.Unlock()
}

func start(t *testing.T, e *Endpoint, h transport.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Start(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Start installs the handler before blocking
	require.Eventually(t, func() bool {
		_, got := e.hub.lookup(e.address)
		return got != nil
	}, time.Second, time.Millisecond)
}

func TestSendAndAnnounce(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	var rb recorder
	start(t, a, &recorder{})
	start(t, b, &rb)

	a.SetStampBits(12)
	r, err := a.Send(context.Background(), transport.Outgoing{Destination: "b", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, r.Err())
	require.NoError(t, a.Announce(context.Background(), "Alice", 4))
	hub.Wait()

	rb.mu.Lock()
	defer rb.mu.Unlock()
	require.Len(t, rb.inbound, 1)
	assert.Equal(t, "a", rb.inbound[0].Source)
	assert.Equal(t, 12, rb.inbound[0].StampBits)
	require.Len(t, rb.announces, 1)
	assert.Equal(t, "Alice", rb.announces[0].DisplayName)
	assert.Equal(t, 4, rb.announces[0].StampCost)
}

func TestSendFailures(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	start(t, b, &recorder{})

	r, err := a.Send(context.Background(), transport.Outgoing{Destination: "nobody", Content: "x"})
	require.NoError(t, err)
	assert.True(t, errors.Is(r.Err(), transport.ErrNoRoute))

	b.SetUnreachable(true)
	r, err = a.Send(context.Background(), transport.Outgoing{Destination: "b", Content: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Err(), transport.ErrDeliveryFailed)
	assert.GreaterOrEqual(t, r.Elapsed(), time.Duration(0))

	require.NoError(t, a.Close())
	_, err = a.Send(context.Background(), transport.Outgoing{Destination: "b"})
	assert.ErrorIs(t, err, transport.ErrClosed)
	hub.Wait()
}

func TestReceiptResolvesOnce(t *testing.T) {
	r := transport.NewReceipt()
	r.Resolve(nil)
	r.Resolve(errors.New("late"))
	assert.NoError(t, r.Err())
	assert.NotEmpty(t, r.ID)
}
