package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/room"
)

func setup(t *testing.T, size int, conns ...string) (*Relay, *room.Memory, map[string]*Outbox) {
	t.Helper()
	members := room.NewMemory()
	r := New(members)
	boxes := make(map[string]*Outbox, len(conns))
	for _, c := range conns {
		ob := NewOutbox(size)
		boxes[c] = ob
		r.Register(c, ob)
		members.Add("p1", room.Member{ConnID: c, UserID: "user-" + c})
	}
	return r, members, boxes
}

func mustEvent(t *testing.T, kind domain.Kind, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(kind, "p1", "user-a", payload)
	require.NoError(t, err)
	return ev
}

func drainKinds(ob *Outbox) []domain.Kind {
	var kinds []domain.Kind
	for ob.Len() > 0 {
		var ev domain.Event
		if err := json.Unmarshal(<-ob.C(), &ev); err == nil {
			kinds = append(kinds, ev.Type)
		}
	}
	return kinds
}

func TestExcludesSenderPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind domain.Kind
		want bool
	}{
		{domain.KindCursorMove, true},
		{domain.KindChatTyping, true},
		{domain.KindPresenceUpdate, false},
		{domain.KindPresenceLeft, false},
		{domain.KindTaskCreated, false},
		{domain.KindTaskUpdated, false},
		{domain.KindTaskDeleted, false},
		{domain.KindCommentAdded, false},
		{domain.KindActivityNew, false},
		{domain.KindChatMessage, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExcludesSender(tt.kind), "kind %s", tt.kind)
	}
}

func TestPublishAppliesSenderPolicy(t *testing.T) {
	t.Parallel()
	r, _, boxes := setup(t, 8, "a", "b", "c")
	ctx := context.Background()

	rc := r.Publish(ctx, mustEvent(t, domain.KindCursorMove, domain.CursorMove{UserID: "user-a", X: 1, Y: 2}), "a")
	assert.Equal(t, Receipt{Enqueued: 2}, rc)

	rc = r.Publish(ctx, mustEvent(t, domain.KindTaskCreated, domain.Task{ID: "t1"}), "a")
	assert.Equal(t, Receipt{Enqueued: 3}, rc)

	assert.Equal(t, []domain.Kind{domain.KindTaskCreated}, drainKinds(boxes["a"]))
	assert.Equal(t, []domain.Kind{domain.KindCursorMove, domain.KindTaskCreated}, drainKinds(boxes["b"]))
	assert.Equal(t, []domain.Kind{domain.KindCursorMove, domain.KindTaskCreated}, drainKinds(boxes["c"]))
}

func TestBroadcastSharesOneEncoding(t *testing.T) {
	t.Parallel()
	r, _, boxes := setup(t, 4, "a", "b")

	r.Broadcast(context.Background(), "p1", mustEvent(t, domain.KindChatMessage, domain.ChatMessage{ID: "m1"}), "")

	fa := <-boxes["a"].C()
	fb := <-boxes["b"].C()
	require.NotEmpty(t, fa)
	assert.Same(t, &fa[0], &fb[0])
}

func TestBroadcastPreservesSenderOrder(t *testing.T) {
	t.Parallel()
	r, _, boxes := setup(t, 128, "a", "b")
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		r.Publish(ctx, mustEvent(t, domain.KindTaskUpdated, domain.Task{ID: fmt.Sprintf("t%03d", i)}), "a")
	}

	for i := 0; i < 100; i++ {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(<-boxes["b"].C(), &ev))
		var task domain.Task
		require.NoError(t, ev.Decode(&task))
		assert.Equal(t, fmt.Sprintf("t%03d", i), task.ID)
	}
}

func TestFullOutboxTriggersSlowConsumer(t *testing.T) {
	t.Parallel()
	members := room.NewMemory()

	var mu sync.Mutex
	var slow []string
	r := New(members, WithSlowConsumer(func(connID string) {
		mu.Lock()
		slow = append(slow, connID)
		mu.Unlock()
	}))

	fast := NewOutbox(8)
	stuck := NewOutbox(1)
	r.Register("fast", fast)
	r.Register("stuck", stuck)
	members.Add("p1", room.Member{ConnID: "fast", UserID: "u1"})
	members.Add("p1", room.Member{ConnID: "stuck", UserID: "u2"})

	ctx := context.Background()
	first := r.Broadcast(ctx, "p1", mustEvent(t, domain.KindTaskCreated, nil), "")
	second := r.Broadcast(ctx, "p1", mustEvent(t, domain.KindTaskCreated, nil), "")

	assert.Equal(t, Receipt{Enqueued: 2}, first)
	assert.Equal(t, Receipt{Enqueued: 1, Dropped: 1}, second)
	assert.Equal(t, 2, fast.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stuck"}, slow)
}

func TestClosedAndUnregisteredRecipientsDrop(t *testing.T) {
	t.Parallel()
	r, members, boxes := setup(t, 4, "a", "b")
	members.Add("p1", room.Member{ConnID: "ghost", UserID: "u9"})
	boxes["b"].Close()

	rc := r.Broadcast(context.Background(), "p1", mustEvent(t, domain.KindActivityNew, domain.Activity{ID: "x"}), "")
	assert.Equal(t, Receipt{Enqueued: 1, Dropped: 2}, rc)
}

func TestSendReachesOnlyTarget(t *testing.T) {
	t.Parallel()
	r, _, boxes := setup(t, 4, "a", "b")

	assert.True(t, r.Send(context.Background(), "a", mustEvent(t, domain.KindPong, nil)))
	assert.Equal(t, 1, boxes["a"].Len())
	assert.Equal(t, 0, boxes["b"].Len())

	r.Unregister("a")
	assert.False(t, r.Send(context.Background(), "a", mustEvent(t, domain.KindPong, nil)))
}

func TestOutboxDrain(t *testing.T) {
	t.Parallel()
	ob := NewOutbox(4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	frames, err := ob.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, frames)

	ob.Offer([]byte("1"))
	ob.Offer([]byte("2"))
	ob.Offer([]byte("3"))
	frames, err = ob.Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, frames)

	ob.Close()
	assert.Equal(t, Closed, ob.Offer([]byte("4")))

	frames, err = ob.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("3")}, frames)

	_, err = ob.Drain(context.Background(), 10)
	assert.ErrorIs(t, err, ErrOutboxClosed)
}

func TestOutboxConcurrentOfferAndClose(t *testing.T) {
	t.Parallel()
	ob := NewOutbox(16)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ob.Offer([]byte("x"))
			}
		}()
	}
	go ob.Close()
	wg.Wait()
	ob.Close()

	assert.Equal(t, Closed, ob.Offer([]byte("y")))
}
