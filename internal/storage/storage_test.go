package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecentFrames(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 8, 23, 22, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.RecordFrame(FrameRecord{
			FrameNumber:   uint64(i),
			SessionID:     "s1",
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			FramesStacked: 4,
			QueueLatency:  15 * time.Millisecond,
			StackDuration: 40 * time.Millisecond,
			FilterTime:    25 * time.Millisecond,
		}))
	}

	recent, err := s.RecentFrames(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].FrameNumber, "newest row comes first")
	assert.Equal(t, uint64(3), recent[2].FrameNumber)
	assert.Equal(t, "s1", recent[0].SessionID)
	assert.Equal(t, 4, recent[0].FramesStacked)
	assert.Equal(t, 15*time.Millisecond, recent[0].QueueLatency)
	assert.Equal(t, 40*time.Millisecond, recent[0].StackDuration)
	assert.Equal(t, 25*time.Millisecond, recent[0].FilterTime)
}

func TestRecordDroppedFrame(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RecordFrame(FrameRecord{
		FrameNumber: 1,
		Timestamp:   time.Now(),
		Dropped:     true,
		Stage:       "queue_evicted",
	}))
	require.NoError(t, s.RecordFrame(FrameRecord{
		FrameNumber: 2,
		Timestamp:   time.Now(),
		Dropped:     true,
		Stage:       "stack",
		Error:       "no image buffer",
	}))

	recent, err := s.RecentFrames(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Dropped)
	assert.Equal(t, "stack", recent[0].Stage)
	assert.Equal(t, "no image buffer", recent[0].Error)
	assert.Equal(t, "queue_evicted", recent[1].Stage)
}

func TestRecentFramesDefaultLimit(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RecordFrame(FrameRecord{FrameNumber: 1, Timestamp: time.Now()}))

	recent, err := s.RecentFrames(0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestPruneKeepsNewest(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 10; i++ {
		require.NoError(t, s.RecordFrame(FrameRecord{
			FrameNumber: uint64(i),
			Timestamp:   time.Now(),
		}))
	}

	require.NoError(t, s.Prune(4))
	recent, err := s.RecentFrames(100)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, uint64(10), recent[0].FrameNumber)
	assert.Equal(t, uint64(7), recent[3].FrameNumber)

	// Non-positive keep is a no-op, never a wipe.
	require.NoError(t, s.Prune(0))
	recent, err = s.RecentFrames(100)
	require.NoError(t, err)
	assert.Len(t, recent, 4)
}

func TestRecordError(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RecordError("capture", "device disappeared"))

	var stage, message string
	err := s.DB.QueryRow(`SELECT stage, message FROM error_events`).Scan(&stage, &message)
	require.NoError(t, err)
	assert.Equal(t, "capture", stage)
	assert.Equal(t, "device disappeared", message)
}

func TestReopenKeepsSchemaAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordFrame(FrameRecord{FrameNumber: 1, Timestamp: time.Now()}))
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	recent, err := s2.RecentFrames(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
