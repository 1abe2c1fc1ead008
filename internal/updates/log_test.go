package updates_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/db"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/updates"
)

func newTestLog(t *testing.T) updates.Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.UpdatesDB})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, migrate.Updates))
	return updates.New(conn)
}

func TestAppendAndList(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	empty, err := log.List(ctx, "m-1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	first, err := log.Append(ctx, "m-1", "starting", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "info", first.UpdateType)

	_, err = log.Append(ctx, "m-1", "step 1/2", "progress")
	require.NoError(t, err)
	_, err = log.Append(ctx, "m-2", "other mission", "shout")
	require.NoError(t, err)

	got, err := log.List(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "starting", got[0].Message)
	assert.Equal(t, "progress", got[1].UpdateType)

	other, err := log.List(ctx, "m-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "info", other[0].UpdateType)
	assert.Equal(t, int64(1), other[0].Seq)
}

func TestTimestampsClampedWhenClockGoesBackwards(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 9, 0, time.UTC),
	}
	i := 0
	log.Now = func() time.Time {
		t := times[i]
		i++
		return t
	}
	for n := 0; n < len(times); n++ {
		_, err := log.Append(ctx, "m", fmt.Sprintf("u%d", n), "info")
		require.NoError(t, err)
	}
	got, err := log.List(ctx, "m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, got[0].Timestamp, got[1].Timestamp)
	assert.Greater(t, got[2].Timestamp, got[1].Timestamp)
}

func TestConcurrentAppendsKeepOrder(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	const writers, perWriter = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(ctx, "m", fmt.Sprintf("w%d-%d", w, i), "progress")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got, err := log.List(ctx, "m")
	require.NoError(t, err)
	require.Len(t, got, writers*perWriter)
	lastByWriter := map[string]int{}
	for i, u := range got {
		assert.Equal(t, int64(i+1), u.Seq)
		if i > 0 {
			assert.GreaterOrEqual(t, u.Timestamp, got[i-1].Timestamp)
		}
		var w, n int
		_, err := fmt.Sscanf(u.Message, "w%d-%d", &w, &n)
		require.NoError(t, err)
		key := fmt.Sprint(w)
		if prev, ok := lastByWriter[key]; ok {
			assert.Greater(t, n, prev, "writer %d out of order", w)
		}
		lastByWriter[key] = n
	}

	tail, err := log.ListAfter(ctx, "m", int64(len(got)-3), 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(len(got)-2), tail[0].Seq)
}

func TestAppendFailsWhenStoreUnavailable(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.DB.Close())
	_, err := log.Append(context.Background(), "m", "x", "info")
	var se *repo.StorageError
	assert.ErrorAs(t, err, &se)
}
