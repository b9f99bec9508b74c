package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	name string

	mu       sync.Mutex
	deadline time.Time
}

func newClient(name string, d time.Duration) *fakeClient {
	return &fakeClient{name: name, deadline: time.Now().Add(d)}
}

func (c *fakeClient) TimeoutAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *fakeClient) extend(d time.Duration) {
	c.mu.Lock()
	c.deadline = time.Now().Add(d)
	c.mu.Unlock()
}

type call struct {
	client *fakeClient
	event  Event
	at     time.Time
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fn    func(c *fakeClient, ev Event) bool
}

func (r *recorder) callback(c *fakeClient, ev Event) bool {
	r.mu.Lock()
	r.calls = append(r.calls, call{client: c, event: ev, at: time.Now()})
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(c, ev)
	}
	return true
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func start(t *testing.T, rec *recorder) *Reactor[*fakeClient] {
	t.Helper()
	r := New(rec.callback)
	errc := make(chan error, 1)
	go func() { errc <- r.Run() }()
	t.Cleanup(func() {
		r.Shutdown()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("reactor did not stop")
		}
	})
	return r
}

func TestReactor_TimeoutNeverBeforeDeadline(t *testing.T) {
	rec := &recorder{}
	r := start(t, rec)

	c := newClient("slow", 50*time.Millisecond)
	deadline := c.TimeoutAt()
	require.True(t, r.Add(c))
	assert.Equal(t, 1, r.Len())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, EventTimeout, got.event)
	assert.Same(t, c, got.client)
	assert.False(t, got.at.Before(deadline), "timed out %v before the deadline", deadline.Sub(got.at))
	assert.Equal(t, 0, r.Len())
}

func TestReactor_DeadlinesAreIndependent(t *testing.T) {
	rec := &recorder{}
	r := start(t, rec)

	late := newClient("late", 80*time.Millisecond)
	early := newClient("early", 20*time.Millisecond)
	require.True(t, r.Add(late))
	require.True(t, r.Add(early))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	calls := rec.snapshot()
	assert.Same(t, early, calls[0].client)
	assert.Same(t, late, calls[1].client)
	assert.False(t, calls[1].at.Before(late.TimeoutAt()))
}

func TestReactor_KeepRegisteredExtendsDeadline(t *testing.T) {
	var fired int
	rec := &recorder{}
	rec.fn = func(c *fakeClient, ev Event) bool {
		fired++
		if fired < 3 {
			c.extend(10 * time.Millisecond)
			return false
		}
		return true
	}
	r := start(t, rec)

	require.True(t, r.Add(newClient("c", 10*time.Millisecond)))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3)
	assert.Equal(t, 0, r.Len())
}

func TestReactor_Wake(t *testing.T) {
	rec := &recorder{}
	n := 0
	rec.fn = func(c *fakeClient, ev Event) bool {
		n++
		return n == 2
	}
	r := start(t, rec)

	c := newClient("c", time.Minute)
	require.True(t, r.Add(c))

	assert.True(t, r.Wake(c))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Wake(c))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Wake(c), "client is no longer registered")

	for _, got := range rec.snapshot() {
		assert.Equal(t, EventReadable, got.event)
	}
}

func TestReactor_ShutdownFlushesEveryClientOnce(t *testing.T) {
	rec := &recorder{}
	r := New(rec.callback)
	errc := make(chan error, 1)
	go func() { errc <- r.Run() }()

	clients := []*fakeClient{
		newClient("a", time.Minute),
		newClient("b", time.Hour),
		newClient("c", time.Minute),
	}
	for _, c := range clients {
		require.True(t, r.Add(c))
	}
	require.Equal(t, 3, r.Len())

	r.Shutdown()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	seen := map[*fakeClient]int{}
	for _, got := range rec.snapshot() {
		assert.Equal(t, EventShutdown, got.event)
		seen[got.client]++
	}
	for _, c := range clients {
		assert.Equal(t, 1, seen[c], c.name)
	}
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Add(newClient("d", time.Minute)))
	assert.False(t, r.Wake(clients[0]))
}

func TestReactor_CallbackPanicDeregisters(t *testing.T) {
	rec := &recorder{}
	rec.fn = func(c *fakeClient, ev Event) bool {
		if c.name == "bad" {
			panic("boom")
		}
		return true
	}
	r := start(t, rec)

	bad := newClient("bad", time.Minute)
	good := newClient("good", time.Minute)
	require.True(t, r.Add(bad))
	require.True(t, r.Add(good))

	assert.True(t, r.Wake(bad))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Wake(good))
	assert.Equal(t, 0, r.Len())
}

func TestReactor_RunTwice(t *testing.T) {
	rec := &recorder{}
	r := start(t, rec)
	require.True(t, r.Add(newClient("x", time.Minute)))
	assert.ErrorIs(t, r.Run(), ErrRunning)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "readable", EventReadable.String())
	assert.Equal(t, "timeout", EventTimeout.String())
	assert.Equal(t, "shutdown", EventShutdown.String())
}
