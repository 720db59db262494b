package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"codesync/api/payload"
	"codesync/coordinator"
	"codesync/models"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var _ coordinator.Publisher = (*Hub)(nil)

type sent struct {
	msgType payload.WebSocketMessageType
	data    any
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []sent
	fail bool
}

func (c *fakeConn) Send(ctx context.Context, msgType payload.WebSocketMessageType, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return xerrors.New("connection reset")
	}
	c.msgs = append(c.msgs, sent{msgType: msgType, data: data})
	return nil
}

func (c *fakeConn) received() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.msgs...)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(HubParams{Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})})
	t.Cleanup(h.Close)
	return h
}

func join(t *testing.T, h *Hub, room, id, name string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	_, err := h.Join(context.Background(), room, Member{ConnectionID: id, Username: name, Conn: c})
	require.NoError(t, err)
	return c
}

func TestJoinAndMembers(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	_, err := h.Join(ctx, "", Member{ConnectionID: "a", Conn: &fakeConn{}})
	assert.Error(t, err)

	join(t, h, "room-1", "a", " alice ")
	join(t, h, "room-1", "b", "bob")
	members, err := h.Join(ctx, "room-1", Member{ConnectionID: "c", Username: "carol", Conn: &fakeConn{}})
	require.NoError(t, err)

	assert.Equal(t, []payload.RoomMember{
		{ConnectionID: "a", Username: "alice"},
		{ConnectionID: "b", Username: "bob"},
		{ConnectionID: "c", Username: "carol"},
	}, members)

	// rejoining keeps the original position
	join(t, h, "room-1", "a", "alice2")
	members, err = h.Members(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "alice2", members[0].Username)

	assert.True(t, h.InRoom(ctx, "b", "room-1"))
	assert.False(t, h.InRoom(ctx, "b", "room-2"))

	name, ok := h.Username(ctx, "c", "room-1")
	assert.True(t, ok)
	assert.Equal(t, "carol", name)

	assert.Equal(t, 1, h.RoomCount(ctx))
}

func TestLeave(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	join(t, h, "room-2", "a", "alice")
	join(t, h, "room-1", "a", "alice")
	join(t, h, "room-1", "b", "bob")

	left, err := h.Leave(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []LeftRoom{
		{RoomID: "room-1", Username: "alice"},
		{RoomID: "room-2", Username: "alice"},
	}, left)

	assert.Equal(t, 1, h.RoomCount(ctx))
	assert.False(t, h.InRoom(ctx, "a", "room-1"))

	left, err = h.Leave(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := join(t, h, "room-1", "a", "alice")
	b := join(t, h, "room-1", "b", "bob")
	c := join(t, h, "room-1", "c", "carol")
	c.fail = true
	other := join(t, h, "room-2", "d", "dave")

	delivered, err := h.Broadcast(ctx, "room-1", "a", payload.WebSocketMessageTypeCodeChange,
		payload.CodeChangePayload{Code: "x = 1"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)
	assert.Equal(t, payload.WebSocketMessageTypeCodeChange, b.received()[0].msgType)
	assert.Empty(t, other.received())
}

func TestSend(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := join(t, h, "room-1", "a", "alice")
	require.NoError(t, h.Send(ctx, "a", payload.WebSocketMessageTypeSyncCode, payload.CodeChangePayload{Code: "y"}))
	require.Len(t, a.received(), 1)

	err := h.Send(ctx, "missing", payload.WebSocketMessageTypeSyncCode, nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestPublishAndReject(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := join(t, h, "room-1", "a", "alice")
	b := join(t, h, "room-1", "b", "bob")

	event := models.ResultEvent{
		RoomID:    "room-1",
		RequestID: "req-1",
		Result:    models.Success("hi\n", "", 3, false),
	}
	require.NoError(t, h.Publish(ctx, event))

	for _, c := range []*fakeConn{a, b} {
		msgs := c.received()
		require.Len(t, msgs, 1)
		assert.Equal(t, payload.WebSocketMessageTypeExecutionResult, msgs[0].msgType)
		assert.Equal(t, event, msgs[0].data)
	}

	err := h.Reject(ctx, "b", models.RejectedEvent{RoomID: "room-1", RequestID: "req-2", Reason: models.RejectReasonBusy})
	require.NoError(t, err)
	assert.Len(t, a.received(), 1)
	require.Len(t, b.received(), 2)
	assert.Equal(t, payload.WebSocketMessageTypeExecutionRejected, b.received()[1].msgType)

	err = h.Publish(ctx, models.ResultEvent{RoomID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyRoom)

	err = h.Reject(ctx, "gone", models.RejectedEvent{})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestConcurrentMembership(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('A'+i%26)) + string(rune('a'+i/26))
			_, err := h.Join(ctx, "room-1", Member{ConnectionID: id, Username: id, Conn: &fakeConn{}})
			assert.NoError(t, err)
			_, _ = h.Broadcast(ctx, "room-1", id, payload.WebSocketMessageTypeCodeChange, nil)
		}()
	}
	wg.Wait()

	members, err := h.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, members, 50)
}

func TestClose(t *testing.T) {
	t.Parallel()

	h := NewHub(HubParams{Logger: slogtest.Make(t, nil)})
	h.Close()
	h.Close()

	_, err := h.Join(context.Background(), "room-1", Member{ConnectionID: "a", Conn: &fakeConn{}})
	assert.ErrorIs(t, err, ErrClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.Members(ctx, "room-1")
	assert.ErrorIs(t, err, ErrClosed)
}
