package trajlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/httputil"
	"github.com/banshee-data/navpolicy/internal/robot"
)

func rec(tick uint64) Record {
	return Record{EpisodeID: "ep_test", Tick: tick, Status: episode.Running}
}

func ticks(recs []Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Tick
	}
	return out
}

// memorySink collects records in memory.
type memorySink struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (s *memorySink) WriteRecords(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestNewRecordFlags(t *testing.T) {
	at := time.Unix(10, 0)
	r := NewRecord("ep_1", 3, at, []byte("obs"), []byte("goal"), robot.Pose{X: 1}, 4.5, episode.ReachedGoal, false)
	assert.True(t, r.IsTerminal)
	assert.True(t, r.IsLast)
	assert.False(t, r.IsFirst)
	assert.Equal(t, episode.ReachedGoal, r.Status)

	r = NewRecord("ep_1", 4, at, nil, nil, robot.Pose{}, 40, episode.Running, true)
	assert.False(t, r.IsTerminal)
	assert.False(t, r.IsLast)
	assert.True(t, r.IsFirst)
}

func TestQueueDropOldest(t *testing.T) {
	q, err := NewQueue(3, PolicyDropOldest)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Put(rec(i)))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	got, err := q.Take(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, ticks(got))
}

func TestQueueReject(t *testing.T) {
	q, err := NewQueue(2, PolicyReject)
	require.NoError(t, err)

	require.NoError(t, q.Put(rec(1)))
	require.NoError(t, q.Put(rec(2)))
	assert.ErrorIs(t, q.Put(rec(3)), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())

	got, err := q.Take(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ticks(got))
	assert.Equal(t, 1, q.Len())
}

func TestQueueTakeBlocksUntilPut(t *testing.T) {
	q, err := NewQueue(4, PolicyDropOldest)
	require.NoError(t, err)

	done := make(chan []Record, 1)
	go func() {
		got, err := q.Take(context.Background(), 4)
		assert.NoError(t, err)
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("Take returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Put(rec(7)))
	select {
	case got := <-done:
		assert.Equal(t, []uint64{7}, ticks(got))
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestQueueCloseAndCancel(t *testing.T) {
	q, err := NewQueue(4, PolicyDropOldest)
	require.NoError(t, err)
	require.NoError(t, q.Put(rec(1)))
	q.Close()

	assert.ErrorIs(t, q.Put(rec(2)), ErrQueueClosed)
	got, err := q.Take(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	_, err = q.Take(context.Background(), 4)
	assert.ErrorIs(t, err, ErrQueueClosed)

	q2, err := NewQueue(1, PolicyReject)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q2.Take(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewQueueValidation(t *testing.T) {
	_, err := NewQueue(0, PolicyDropOldest)
	assert.Error(t, err)
	_, err = NewQueue(10, "freshness")
	assert.Error(t, err)
}

func TestDrainerDeliversBatches(t *testing.T) {
	q, err := NewQueue(100, PolicyDropOldest)
	require.NoError(t, err)
	sink := &memorySink{}
	d := NewDrainer(q, sink, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, q.Put(rec(i)))
	}
	require.Eventually(t, func() bool { return sink.Len() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(10), d.Written())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDrainerStopsOnClose(t *testing.T) {
	q, err := NewQueue(10, PolicyDropOldest)
	require.NoError(t, err)
	sink := &memorySink{}
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, q.Put(rec(i)))
	}
	q.Close()

	require.NoError(t, NewDrainer(q, sink, 2).Run(context.Background()))
	assert.Equal(t, 3, sink.Len())
}

func TestDrainerCountsFailures(t *testing.T) {
	q, err := NewQueue(10, PolicyDropOldest)
	require.NoError(t, err)
	require.NoError(t, q.Put(rec(1)))
	q.Close()

	d := NewDrainer(q, &memorySink{err: errors.New("disk full")}, 8)
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, uint64(1), d.Failed())
	assert.Zero(t, d.Written())
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{err: errors.New("offline")}
	err := MultiSink{good, bad}.WriteRecords(context.Background(), []Record{rec(1)})
	assert.ErrorContains(t, err, "offline")
	assert.Equal(t, 1, good.Len())
}

func TestTrainerUploader(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusAccepted, "").
		AddResponse(http.StatusTooManyRequests, "")
	u := NewTrainerUploader("http://trainer:9001/", mock)

	require.NoError(t, u.WriteRecords(context.Background(), []Record{rec(1), rec(2)}))
	assert.Equal(t, "http://trainer:9001/enqueue", mock.Requests[0].URL.String())

	var body EnqueueRequest
	require.NoError(t, json.Unmarshal(mock.Body(0), &body))
	assert.Equal(t, []uint64{1, 2}, ticks(body.Records))

	var se *httputil.StatusError
	err := u.WriteRecords(context.Background(), []Record{rec(3)})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}
