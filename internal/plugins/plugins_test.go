package plugins

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
	"meshchat/internal/registry"
	"meshchat/internal/testutil"
)

const (
	alice = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	dave  = "dddddddddddddddddddddddddddddddd"
)

func from(src, content string) message.Message {
	return message.Message{Source: src, Content: content, Direction: message.Inbound, Timestamp: time.Now()}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBuiltinsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, f := range Builtins() {
		assert.False(t, seen[f.Name], f.Name)
		seen[f.Name] = true
		assert.NotEmpty(t, f.Commands)
		assert.NotNil(t, f.New)
	}
	assert.Len(t, seen, 6)
}

func TestEcho(t *testing.T) {
	h := testutil.NewHost()
	p, err := EchoFactory().New(h)
	require.NoError(t, err)
	e := p.(*Echo)

	suppressed, err := e.OnMessage(from(alice, "hello"))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.Empty(t, h.Sent(), "off by default")

	require.NoError(t, e.HandleCommand("echo", []string{"on"}))
	_, _ = e.OnMessage(from(alice, "hello"))
	_, _ = e.OnMessage(from(alice, "   "))
	h.Blocked[bob] = true
	_, _ = e.OnMessage(from(bob, "spam"))
	out := from(alice, "mine")
	out.Direction = message.Outbound
	_, _ = e.OnMessage(out)

	want := []testutil.Sent{{Ref: alice, Text: "Echo: hello"}}
	if diff := cmp.Diff(want, h.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, e.HandleCommand("echo", []string{"status"}))
	assert.Contains(t, h.Output(), "Echo bot is on")
	assert.ErrorIs(t, e.HandleCommand("echo", []string{"sideways"}), ErrUsage)
}

func TestEchoSendFailureIsReported(t *testing.T) {
	h := testutil.NewHost()
	h.SendErr = errors.New("no route")
	p, _ := EchoFactory().New(h)
	require.NoError(t, p.HandleCommand("echo", []string{"on"}))
	suppressed, err := p.OnMessage(from(alice, "hi"))
	assert.False(t, suppressed)
	assert.Error(t, err)
}

func TestAwayRepliesOncePerSender(t *testing.T) {
	h := testutil.NewHost()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	a := newAway(h, c.Now)

	_, _ = a.OnMessage(from(alice, "hi"))
	assert.Empty(t, h.Sent())

	require.NoError(t, a.HandleCommand("away", []string{"at", "lunch"}))
	c.Advance(5 * time.Minute)
	_, _ = a.OnMessage(from(alice, "hi"))
	_, _ = a.OnMessage(from(alice, "hello?"))
	h.Blocked[bob] = true
	_, _ = a.OnMessage(from(bob, "hey"))

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alice, sent[0].Ref)
	assert.Equal(t, "at lunch\n\n(away for 5 minutes)", sent[0].Text)

	require.NoError(t, a.HandleCommand("back", nil))
	assert.Contains(t, h.Output(), "auto-replied to 1 sender")
	_, _ = a.OnMessage(from(alice, "back yet?"))
	assert.Len(t, h.Sent(), 1)

	// a new away period answers everyone again
	require.NoError(t, a.HandleCommand("away", nil))
	_, _ = a.OnMessage(from(alice, "again"))
	assert.Len(t, h.Sent(), 2)
	assert.Contains(t, h.Sent()[1].Text, "at lunch")
}

func TestKeywordAlerts(t *testing.T) {
	h := testutil.NewHost()
	p, _ := KeywordFactory().New(h)
	k := p.(*Keyword)

	require.NoError(t, k.HandleCommand("keyword", []string{"add", "Urgent"}))
	require.NoError(t, k.HandleCommand("keyword", []string{"add", "deploy"}))

	suppressed, err := k.OnMessage(from(alice, "URGENT: deploy now"))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.Equal(t, []string{"Urgent", "deploy"}, k.Matches("urgent deploy"))
	require.Len(t, h.Notified(), 1)

	require.NoError(t, k.HandleCommand("keyword", []string{"case", "on"}))
	assert.Equal(t, []string{"deploy"}, k.Matches("URGENT deploy"))

	require.NoError(t, k.HandleCommand("keyword", []string{"remove", "deploy"}))
	assert.Empty(t, k.Matches("URGENT deploy"))

	require.NoError(t, k.HandleCommand("keywords", []string{"clear"}))
	require.NoError(t, k.HandleCommand("keywords", nil))
	assert.Contains(t, h.Output(), "No keywords set")
	assert.ErrorIs(t, k.HandleCommand("keyword", []string{"case", "maybe"}), ErrUsage)
}

func TestSchedulerSendsWhenDue(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := testutil.NewHost()
	h.Refs["alice"] = alice
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := NewScheduler(h, SchedulerOptions{Tick: time.Hour, Now: c.Now})
	defer s.Close()

	require.NoError(t, s.HandleCommand("schedule", []string{"alice", "10", "stand", "up"}))
	require.NoError(t, s.HandleCommand("schedule", []string{bob, "2", "first"}))
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.HandleCommand("scheduled", nil))
	assert.Contains(t, h.Output(), "[1] to <"+message.Short(bob)+">")

	c.Advance(3 * time.Minute)
	s.flush()
	assert.Equal(t, []testutil.Sent{{Ref: bob, Text: "first"}}, h.Sent())

	c.Advance(10 * time.Minute)
	s.flush()
	assert.Len(t, h.Sent(), 2)
	assert.Equal(t, "stand up", h.Sent()[1].Text)
	assert.Zero(t, s.Pending())
}

func TestSchedulerValidationAndCancel(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := testutil.NewHost()
	s := NewScheduler(h, SchedulerOptions{Tick: time.Hour})
	defer s.Close()

	assert.ErrorIs(t, s.HandleCommand("schedule", []string{bob}), ErrUsage)
	assert.Error(t, s.HandleCommand("schedule", []string{bob, "soon", "x"}))
	assert.Error(t, s.HandleCommand("schedule", []string{bob, "0", "x"}))
	assert.Error(t, s.HandleCommand("schedule", []string{"nobody", "5", "x"}))

	require.NoError(t, s.HandleCommand("schedule", []string{bob, "30", "late"}))
	require.NoError(t, s.HandleCommand("schedule", []string{bob, "5", "early"}))
	assert.Error(t, s.HandleCommand("schedule-cancel", []string{"3"}))

	// numbering follows due time, so #1 is the 5 minute one
	require.NoError(t, s.HandleCommand("schedule-cancel", []string{"1"}))
	require.Equal(t, 1, s.Pending())
	assert.Equal(t, "late", s.sorted()[0].content)
}

func TestSchedulerThroughManagerCloses(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	m := plugin.NewManager(plugin.Options{
		Host:     testutil.NewHost(),
		Builtins: Builtins(),
	})
	require.Empty(t, m.Reload())
	assert.Equal(t, []string{"away", "echo", "emoji", "keyword", "scheduler", "share_contact"}, m.Loaded())

	handled, err := m.HandleCommand("schedule-cancel", []string{"1"})
	assert.True(t, handled)
	assert.Error(t, err)

	// reload replaces the scheduler; the old loop must exit
	m.Reload()
	m.Close()
}

func TestCardRoundTripsThroughText(t *testing.T) {
	card := Card{Name: "carol", DisplayName: "Carol C", Address: alice}
	got, ok := ParseCard("fwd:\n" + FormatCard(card) + "\nthanks")
	require.True(t, ok)
	if diff := cmp.Diff(card, got); diff != "" {
		t.Fatalf("card mismatch (-want +got):\n%s", diff)
	}

	got, ok = ParseCard(FormatCard(Card{Name: "dan", DisplayName: "dan", Address: bob}))
	require.True(t, ok)
	assert.Empty(t, got.DisplayName)

	legacy := "CONTACT CARD\n\nName: eve\n\nLXMF Address:\n" + strings.ToUpper(alice) + "\n"
	got, ok = ParseCard(legacy)
	require.True(t, ok)
	assert.Equal(t, alice, got.Address)

	_, ok = ParseCard("Name: x\nAddress:\n" + alice)
	assert.False(t, ok, "needs the card header")
	_, ok = ParseCard("CONTACT CARD\nName: x\nAddress:\nnot-hex")
	assert.False(t, ok)
}

func TestShareSendsCard(t *testing.T) {
	h := testutil.NewHost()
	h.ContactList = []registry.Contact{{Name: "carol", Address: alice, Index: 3}}
	h.PeerList = []registry.Peer{{Address: alice, DisplayName: "Carol C", Index: 1}}
	p, err := ShareFactory().New(h)
	require.NoError(t, err)

	require.NoError(t, p.HandleCommand("share", []string{"3", bob}))
	require.NoError(t, p.HandleCommand("sharecontact", []string{"CAROL", bob}))
	sent := h.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, bob, sent[0].Ref)
	card, ok := ParseCard(sent[0].Text)
	require.True(t, ok)
	assert.Equal(t, Card{Name: "carol", DisplayName: "Carol C", Address: alice}, card)
	assert.Equal(t, sent[0].Text, sent[1].Text)

	assert.ErrorIs(t, p.HandleCommand("share", []string{"9", bob}), registry.ErrReferenceNotFound)
	assert.ErrorIs(t, p.HandleCommand("share", []string{"3"}), ErrUsage)
}

func TestImportAddsContactFromLatestCard(t *testing.T) {
	const carol = "cccccccccccccccccccccccccccccccc"
	h := testutil.NewHost()
	h.ContactList = []registry.Contact{{Name: "bob", Address: bob, Index: 1}}
	p, err := ShareFactory().New(h)
	require.NoError(t, err)

	assert.Error(t, p.HandleCommand("import", nil), "nothing received yet")

	msg := from(bob, FormatCard(Card{Name: "carol", DisplayName: "Carol C", Address: carol}))
	h.Log = append(h.Log, msg, from(bob, "that was carol"))
	suppressed, err := p.OnMessage(msg)
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.Contains(t, h.Output(), "contact card for carol")

	require.NoError(t, p.HandleCommand("import", nil))
	require.Len(t, h.Contacts(), 2)
	assert.Equal(t, registry.Contact{Name: "carol", Address: carol, Index: 2}, withoutTime(h.Contacts()[1]))
	assert.Contains(t, h.Output(), "Contact imported: carol [#2]")

	require.NoError(t, p.HandleCommand("importcontact", []string{"other"}))
	assert.Len(t, h.Contacts(), 2)
	assert.Contains(t, h.Output(), "Already saved as carol [#2]")

	h.Log = append(h.Log, from(bob, FormatCard(Card{Name: "bob", Address: dave})))
	assert.ErrorIs(t, p.HandleCommand("import", nil), registry.ErrDuplicateName)
	require.NoError(t, p.HandleCommand("import", []string{"dave"}))
	assert.Len(t, h.Contacts(), 3)
}

func withoutTime(c registry.Contact) registry.Contact {
	c.AddedAt = time.Time{}
	return c
}

func TestEmojiSends(t *testing.T) {
	h := testutil.NewHost()
	h.Refs["bob"] = bob
	p, err := EmojiFactory().New(h)
	require.NoError(t, err)
	e := p.(*Emoji)
	e.pick = func(int) int { return 10 }

	assert.ErrorIs(t, e.HandleCommand("emo", []string{"1"}), errNoRecentSender)

	h.Log = append(h.Log, from(alice, "hi"))
	require.NoError(t, e.HandleCommand("emo", []string{"1"}))
	require.NoError(t, e.HandleCommand("emoji", []string{"11", "bob"}))
	require.NoError(t, e.HandleCommand("emoticon", []string{"random"}))

	want := []testutil.Sent{
		{Ref: alice, Text: "😊"},
		{Ref: bob, Text: "👍"},
		{Ref: alice, Text: "👍"},
	}
	if diff := cmp.Diff(want, h.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}

	assert.ErrorIs(t, e.HandleCommand("emo", []string{"0"}), ErrUsage)
	assert.ErrorIs(t, e.HandleCommand("emo", []string{"999"}), ErrUsage)
	assert.Error(t, e.HandleCommand("emo", []string{"1", "nobody"}))
	assert.ErrorIs(t, e.HandleCommand("emo", []string{"sideways"}), ErrUsage)
}

func TestEmojiListAndSearch(t *testing.T) {
	h := testutil.NewHost()
	p, err := EmojiFactory().New(h)
	require.NoError(t, err)

	require.NoError(t, p.HandleCommand("emoji", nil))
	assert.Contains(t, h.Output(), "[ 1] 😊  Happy")
	assert.Contains(t, h.Output(), "Calendar")

	h2 := testutil.NewHost()
	p2, _ := EmojiFactory().New(h2)
	require.NoError(t, p2.HandleCommand("emo", []string{"search", "HEART"}))
	assert.Contains(t, h2.Output(), "Broken Heart")
	assert.NotContains(t, h2.Output(), "Pizza")
	require.NoError(t, p2.HandleCommand("emo", []string{"search", "zzz"}))
	assert.Contains(t, h2.Output(), `No emoji match "zzz"`)
	assert.Empty(t, h2.Sent())
}
