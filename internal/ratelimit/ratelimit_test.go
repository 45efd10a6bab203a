package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(limit int, window time.Duration) (*Limiter, *MemoryStore) {
	store := NewMemoryStore()
	rules := map[Kind]Rule{
		KindSubmission: {Limit: limit, Window: window},
		KindUpload:     {Limit: limit, Window: window},
	}
	return New(store, rules), store
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(10, 24*time.Hour)

	status, err := l.Check(ctx, "guest-1", KindSubmission)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 10, status.Remaining)
}

func TestCheckBlocksAtLimit(t *testing.T) {
	ctx := context.Background()
	l, store := testLimiter(10, 24*time.Hour)

	// Ten submissions spread over the last few hours
	oldest := time.Now().Add(-6 * time.Hour)
	for i := 0; i < 10; i++ {
		at := oldest.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(ctx, key("guest-1", KindSubmission), at, 24*time.Hour))
	}

	status, err := l.Check(ctx, "guest-1", KindSubmission)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.Equal(t, 0, status.Remaining)
	// The window frees up when the oldest submission ages out
	assert.WithinDuration(t, oldest.Add(24*time.Hour), status.ResetAt, time.Millisecond)
}

func TestCheckIgnoresExpiredEntries(t *testing.T) {
	ctx := context.Background()
	l, store := testLimiter(2, time.Hour)

	k := key("guest-2", KindSubmission)
	require.NoError(t, store.Record(ctx, k, time.Now().Add(-2*time.Hour), time.Hour))
	require.NoError(t, store.Record(ctx, k, time.Now().Add(-90*time.Minute), time.Hour))

	status, err := l.Check(ctx, "guest-2", KindSubmission)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 2, status.Remaining)
}

func TestCheckDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(1, time.Hour)

	for i := 0; i < 20; i++ {
		status, err := l.Check(ctx, "guest-3", KindUpload)
		require.NoError(t, err)
		assert.True(t, status.Allowed, "check alone must never consume the limit")
	}

	require.NoError(t, l.Record(ctx, "guest-3", KindUpload))
	status, err := l.Check(ctx, "guest-3", KindUpload)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
}

func TestRecordThenCheckCountsDown(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		status, err := l.Check(ctx, "guest-4", KindUpload)
		require.NoError(t, err)
		assert.True(t, status.Allowed)
		assert.Equal(t, 3-i, status.Remaining)
		require.NoError(t, l.Record(ctx, "guest-4", KindUpload))
	}

	status, err := l.Check(ctx, "guest-4", KindUpload)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
}

func TestConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	l, store := testLimiter(100, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(ctx, "guest-5", KindUpload)
		}()
	}
	wg.Wait()

	stamps, err := store.Timestamps(ctx, key("guest-5", KindUpload), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, stamps, 50)
}

func TestLimitsAreIndependentPerUserAndKind(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(1, time.Hour)

	require.NoError(t, l.Record(ctx, "guest-6", KindUpload))

	status, err := l.Check(ctx, "guest-6", KindSubmission)
	require.NoError(t, err)
	assert.True(t, status.Allowed, "kinds must not share a window")

	status, err = l.Check(ctx, "guest-7", KindUpload)
	require.NoError(t, err)
	assert.True(t, status.Allowed, "users must not share a window")
}
