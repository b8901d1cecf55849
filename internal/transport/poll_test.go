package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/gateway"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pollFixture struct {
	gw    *gateway.Gateway
	h     *PollHandler
	srv   *httptest.Server
	clock *clock
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	gw := newGateway(t)
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewPollHandler(gw, tokenVerifier, PollOptions{
		MaxWait:     200 * time.Millisecond,
		IdleTimeout: time.Minute,
		Now:         clk.Now,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &pollFixture{gw: gw, h: h, srv: srv, clock: clk}
}

func (f *pollFixture) do(t *testing.T, method, path, user, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer token-"+user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *pollFixture) open(t *testing.T, user string) OpenResponse {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/", user, "")
	require.Equal(t, http.StatusCreated, status, string(body))
	var out OpenResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (f *pollFixture) poll(t *testing.T, sid, user string) []domain.Event {
	t.Helper()
	status, body := f.do(t, http.MethodGet, "/"+sid+"?wait=100ms", user, "")
	require.Equal(t, http.StatusOK, status, string(body))
	var frames []json.RawMessage
	require.NoError(t, json.Unmarshal(body, &frames))
	out := make([]domain.Event, 0, len(frames))
	for _, fr := range frames {
		out = append(out, decodeEvent(t, fr))
	}
	return out
}

func eventKinds(evs []domain.Event) []domain.Kind {
	out := make([]domain.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestPollOpenRequiresCredential(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)

	status, _ := f.do(t, http.MethodPost, "/", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 0, f.h.Len())
	assert.Equal(t, 0, f.gw.Len())
}

func TestPollSessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)

	s := f.open(t, "u1")
	assert.Equal(t, "u1", s.UserID)
	assert.NotEmpty(t, s.ConnID)

	evs := f.poll(t, s.SessionID, "u1")
	require.Len(t, evs, 1)
	assert.Equal(t, domain.KindConnected, evs[0].Type)

	status, body := f.do(t, http.MethodPost, "/"+s.SessionID, "u1", `[{"type":"join-room","projectId":"p1"},{"type":"ping"}]`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	assert.JSONEq(t, `{"accepted":2}`, string(body))

	evs = f.poll(t, s.SessionID, "u1")
	assert.Equal(t, []domain.Kind{domain.KindPresenceUpdate, domain.KindRoomRoster, domain.KindPong}, eventKinds(evs))

	status, _ = f.do(t, http.MethodDelete, "/"+s.SessionID, "u1", "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, 0, f.h.Len())
	assert.Equal(t, 0, f.gw.Len())

	status, _ = f.do(t, http.MethodGet, "/"+s.SessionID, "u1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPollEmptyWaitReturnsEmptyArray(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)
	s := f.open(t, "u1")
	f.poll(t, s.SessionID, "u1")

	started := time.Now()
	status, body := f.do(t, http.MethodGet, "/"+s.SessionID+"?wait=1h", "u1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
	assert.Less(t, time.Since(started), 5*time.Second, "wait is capped")
}

func TestPollRejectsOtherUsers(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)
	s := f.open(t, "u1")

	status, _ := f.do(t, http.MethodGet, "/"+s.SessionID, "u2", "")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodPost, "/"+s.SessionID, "u2", `{"type":"ping"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodGet, "/"+s.SessionID, "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/missing", "u1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPollMalformedSignalRepliesError(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)
	s := f.open(t, "u1")
	f.poll(t, s.SessionID, "u1")

	status, _ := f.do(t, http.MethodPost, "/"+s.SessionID, "u1", `{"type":`)
	assert.Equal(t, http.StatusAccepted, status)

	evs := f.poll(t, s.SessionID, "u1")
	require.Len(t, evs, 1)
	assert.Equal(t, domain.KindError, evs[0].Type)
}

func TestPollReportsClosedConnection(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)
	s := f.open(t, "u1")
	f.poll(t, s.SessionID, "u1")

	require.NoError(t, f.gw.CloseAll(gateway.CauseShutdown))

	status, body := f.do(t, http.MethodGet, "/"+s.SessionID, "u1", "")
	assert.Equal(t, http.StatusGone, status)
	assert.Contains(t, string(body), gateway.CauseShutdown)
	assert.Equal(t, 0, f.h.Len())
}

func TestPollReaperDisconnectsIdleSessions(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t)
	idle := f.open(t, "u1")

	f.clock.Advance(30 * time.Second)
	active := f.open(t, "u2")
	assert.Equal(t, 0, f.h.reap())

	f.clock.Advance(45 * time.Second)
	assert.Equal(t, 1, f.h.reap())
	assert.Equal(t, 1, f.h.Len())
	assert.Equal(t, 1, f.gw.Len())

	_, ok := f.gw.Conn(idle.ConnID)
	assert.False(t, ok)
	_, ok = f.gw.Conn(active.ConnID)
	assert.True(t, ok)
}

func TestWaitFor(t *testing.T) {
	t.Parallel()
	h := NewPollHandler(nil, nil, PollOptions{MaxWait: 10 * time.Second})

	tests := []struct {
		query string
		want  time.Duration
	}{
		{"", 10 * time.Second},
		{"?wait=2s", 2 * time.Second},
		{"?wait=3", 3 * time.Second},
		{"?wait=-1s", 0},
		{"?wait=1h", 10 * time.Second},
		{"?wait=soon", 10 * time.Second},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
		assert.Equal(t, tt.want, h.waitFor(r), tt.query)
	}
}
