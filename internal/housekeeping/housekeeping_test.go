package housekeeping

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_RejectsBadSchedule(t *testing.T) {
	s := New(nil)
	err := s.Add(Job{Name: "bad", Schedule: "every minute", Run: func(context.Context) (int, error) { return 0, nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
	assert.Empty(t, s.Jobs())
}

func TestAdd_RequiresRun(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Add(Job{Name: "noop", Schedule: EveryMinute}))
}

func TestRunAll(t *testing.T) {
	var buf bytes.Buffer
	s := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	var order []string
	require.NoError(t, s.Add(Job{Name: "sessions", Schedule: EveryMinute, Run: func(context.Context) (int, error) {
		order = append(order, "sessions")
		return 3, nil
	}}))
	require.NoError(t, s.Add(Job{Name: "orphans", Schedule: Daily, Run: func(context.Context) (int, error) {
		order = append(order, "orphans")
		return 0, errors.New("bucket unavailable")
	}}))

	s.RunAll(context.Background())

	assert.Equal(t, []string{"sessions", "orphans"}, order)
	assert.Equal(t, []string{"sessions", "orphans"}, s.Jobs())
	out := buf.String()
	assert.Contains(t, out, `"affected":3`)
	assert.Contains(t, out, "bucket unavailable")
}

func TestRun_AppliesTimeout(t *testing.T) {
	s := New(nil)
	var deadline atomic.Bool
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: EveryMinute, Timeout: time.Second, Run: func(ctx context.Context) (int, error) {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return 0, nil
	}}))
	s.RunAll(context.Background())
	assert.True(t, deadline.Load())
}

func TestStartStop(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: EveryMinute, Run: func(context.Context) (int, error) { return 0, nil }}))
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
