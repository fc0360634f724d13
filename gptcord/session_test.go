package gptcord

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t testing.TB, store *SessionStore, key SessionKey) Session {
	t.Helper()
	sess, created := store.GetOrCreate(key, ConverseParams{Model: DefaultConverseModel})
	require.True(t, created)
	return sess
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u1", ChannelID: "c1"}

	first, created := store.GetOrCreate(key, ConverseParams{Model: "gpt-4o"})
	require.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "gpt-4o", first.Params.Model)

	second, created := store.GetOrCreate(key, ConverseParams{Model: "o3"})
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "gpt-4o", second.Params.Model)

	other, created := store.GetOrCreate(
		SessionKey{UserID: "u1", ChannelID: "c2"},
		ConverseParams{},
	)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, store.Len())
}

func TestSessionStore_RegenerateChain(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u1", ChannelID: "c1"}
	sess := newTestSession(t, store, key)

	_, err := store.AppendResponse(sess, Turn{ResponseID: "A", Prompt: "first"})
	require.NoError(t, err)
	_, err = store.AppendResponse(sess, Turn{ResponseID: "B", Prompt: "second"})
	require.NoError(t, err)

	turn, err := store.Regenerate(sess)
	require.NoError(t, err)
	assert.Equal(t, "B", turn.ResponseID)

	turn, err = store.Regenerate(sess)
	require.NoError(t, err)
	assert.Equal(t, "A", turn.ResponseID)

	_, err = store.Regenerate(sess)
	assert.ErrorIs(t, err, ErrEmptySession)
}

func TestSessionStore_ChainOrder(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})

	for _, id := range []string{"r1", "r2", "r3"} {
		updated, err := store.AppendResponse(sess, Turn{ResponseID: id})
		require.NoError(t, err)
		assert.Equal(t, id, updated.Tail())
	}
	got, ok := store.Get(sess.Key)
	require.True(t, ok)
	require.Len(t, got.Chain, 3)
	assert.Equal(t, "r1", got.Chain[0].ResponseID)
	assert.Equal(t, "r3", got.Tail())
}

func TestSessionStore_CopiesAreIsolated(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})
	updated, err := store.AppendResponse(sess, Turn{ResponseID: "A"})
	require.NoError(t, err)

	updated.Chain[0].ResponseID = "mutated"
	updated.Paused = true

	got, ok := store.Get(sess.Key)
	require.True(t, ok)
	assert.Equal(t, "A", got.Chain[0].ResponseID)
	assert.False(t, got.Paused)
}

func TestSessionStore_LateWriteAfterClear(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u1", ChannelID: "c1"}
	sess := newTestSession(t, store, key)

	assert.True(t, store.Clear(key))
	assert.False(t, store.Clear(key))

	_, err := store.AppendResponse(sess, Turn{ResponseID: "late"})
	assert.ErrorIs(t, err, ErrSessionGone)

	_, err = store.Regenerate(sess)
	assert.ErrorIs(t, err, ErrSessionGone)

	_, err = store.SetPaused(sess, true)
	assert.ErrorIs(t, err, ErrSessionGone)

	// a new session for the same key doesn't accept writes meant for
	// the old one
	fresh := newTestSession(t, store, key)
	assert.NotEqual(t, sess.ID, fresh.ID)
	_, err = store.AppendResponse(sess, Turn{ResponseID: "late"})
	assert.ErrorIs(t, err, ErrSessionGone)

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Empty(t, got.Chain)
}

func TestSessionStore_Lookup(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})

	got, err := store.Lookup(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Key, got.Key)

	require.NoError(t, store.End(sess))
	_, err = store.Lookup(sess.ID)
	assert.ErrorIs(t, err, ErrSessionGone)

	assert.ErrorIs(t, store.End(sess), ErrSessionGone)

	_, err = store.Lookup("unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_LookupAfterTombstoneEvicted(t *testing.T) {
	store := NewSessionStore(1)
	first := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c1"})
	second := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c2"})
	require.NoError(t, store.End(first))
	require.NoError(t, store.End(second))
	require.False(t, store.ended.Contains(first.ID))

	_, err := store.Lookup(first.ID)
	assert.ErrorIs(t, err, ErrSessionGone)
	_, err = store.Lookup(second.ID)
	assert.ErrorIs(t, err, ErrSessionGone)

	// IDs from before the store existed were never issued by it
	old := ulid.MustNew(ulid.Timestamp(time.Now().Add(-time.Hour)), rand.Reader)
	_, err = store.Lookup(old.String())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_SetPaused(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})

	changed, err := store.SetPaused(sess, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.SetPaused(sess, true)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := store.Get(sess.Key)
	assert.True(t, got.Paused)

	changed, err = store.SetPaused(sess, false)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSessionStore_List(t *testing.T) {
	store := NewSessionStore(0)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	a := newTestSession(t, store, SessionKey{UserID: "a", ChannelID: "c"})
	b := newTestSession(t, store, SessionKey{UserID: "b", ChannelID: "c"})

	sessions := store.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, a.ID, sessions[0].ID)
	assert.Equal(t, b.ID, sessions[1].ID)
}

func TestSessionStore_AcquireFIFO(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u", ChannelID: "c"}
	ctx := context.Background()

	release, err := store.Acquire(ctx, key)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, acquireErr := store.Acquire(ctx, key)
			if !assert.NoError(t, acquireErr) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// wait for each waiter to enqueue before starting the next, so
		// arrival order is known
		require.Eventually(
			t,
			func() bool { return store.queuedTurns(key) == i+1 },
			time.Second,
			time.Millisecond,
		)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, store.queuedTurns(key))
}

func TestSessionStore_AcquireDistinctKeys(t *testing.T) {
	store := NewSessionStore(0)
	ctx := context.Background()

	releaseA, err := store.Acquire(ctx, SessionKey{UserID: "a", ChannelID: "c"})
	require.NoError(t, err)
	defer releaseA()

	acquired := make(chan struct{})
	go func() {
		releaseB, acquireErr := store.Acquire(ctx, SessionKey{UserID: "b", ChannelID: "c"})
		if acquireErr == nil {
			releaseB()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire on a different key blocked")
	}
}

func TestSessionStore_AcquireCancelled(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u", ChannelID: "c"}

	release, err := store.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, acquireErr := store.Acquire(ctx, key)
		errCh <- acquireErr
	}()
	require.Eventually(
		t,
		func() bool { return store.queuedTurns(key) == 1 },
		time.Second,
		time.Millisecond,
	)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, store.queuedTurns(key))

	// release is idempotent, and the key is free afterwards
	release()
	release()
	next, err := store.Acquire(context.Background(), key)
	require.NoError(t, err)
	next()
}

func TestSessionStore_EnqueueOrder(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})

	tickets := make([]*TurnTicket, 5)
	for n := range tickets {
		tickets[n] = store.Enqueue(sess)
	}
	assert.Equal(t, len(tickets)-1, store.queuedTurns(sess.Key))

	// waiters start in reverse, the queue order was fixed at Enqueue
	var wg sync.WaitGroup
	for n := len(tickets) - 1; n >= 0; n-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket := tickets[n]
			defer ticket.Release()
			current, err := ticket.Wait(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			_, err = store.AppendResponse(current, Turn{ResponseID: fmt.Sprintf("r%d", n)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, ok := store.Get(sess.Key)
	require.True(t, ok)
	expected := []string{"r0", "r1", "r2", "r3", "r4"}
	assert.Equal(t, expected, responseIDs(got))
	assert.Equal(t, 0, store.queuedTurns(sess.Key))
}

func TestSessionStore_BeginWaitsBehindEndedSession(t *testing.T) {
	store := NewSessionStore(0)
	key := SessionKey{UserID: "u", ChannelID: "c"}

	old, first, err := store.Begin(key, ConverseParams{})
	require.NoError(t, err)
	stale := store.Enqueue(old)
	first.Release()
	require.NoError(t, store.End(old))

	sess, ticket, err := store.Begin(key, ConverseParams{})
	require.NoError(t, err)
	defer ticket.Release()

	_, _, err = store.Begin(key, ConverseParams{})
	assert.ErrorIs(t, err, ErrSessionExists)

	done := make(chan Session, 1)
	go func() {
		current, waitErr := ticket.Wait(context.Background())
		assert.NoError(t, waitErr)
		done <- current
	}()

	_, err = stale.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	stale.Release()
	select {
	case current := <-done:
		assert.Equal(t, sess.ID, current.ID)
	case <-time.After(time.Second):
		t.Fatal("ticket never got the turn")
	}
}

func TestSessionStore_ReleaseQueuedTicket(t *testing.T) {
	store := NewSessionStore(0)
	sess := newTestSession(t, store, SessionKey{UserID: "u", ChannelID: "c"})

	holder := store.Enqueue(sess)
	dropped := store.Enqueue(sess)
	next := store.Enqueue(sess)
	require.Equal(t, 2, store.queuedTurns(sess.Key))

	dropped.Release()
	assert.Equal(t, 1, store.queuedTurns(sess.Key))
	holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := next.Wait(ctx)
	require.NoError(t, err)
	next.Release()
	next.Release()

	release, err := store.Acquire(ctx, sess.Key)
	require.NoError(t, err)
	release()
}
