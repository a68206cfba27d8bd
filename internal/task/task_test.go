package task

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	valid := New(TypeBackup, "order-1", []int{2, 5})
	body, err := json.Marshal(valid)
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, valid.TaskID, got.TaskID)
	assert.Equal(t, []int{2, 5}, got.Slots)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "bad task id", body: `{"task_id":"1","type":"dispatch","order_id":"o"}`},
		{name: "missing order", body: `{"task_id":"9b2f6c1e-8d4a-4c55-9f0e-2b7d3c1a4e55","type":"dispatch"}`},
		{name: "unknown type", body: `{"task_id":"9b2f6c1e-8d4a-4c55-9f0e-2b7d3c1a4e55","type":"render","order_id":"o"}`},
		{name: "backup without slots", body: `{"task_id":"9b2f6c1e-8d4a-4c55-9f0e-2b7d3c1a4e55","type":"backup","order_id":"o"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

type fakeBroker struct {
	bodies [][]byte
	delays []time.Duration
	err    error
}

func (b *fakeBroker) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	return b.PublishDelayed(ctx, body, contentType, 0)
}

func (b *fakeBroker) PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error {
	if b.err != nil {
		return b.err
	}
	b.bodies = append(b.bodies, body)
	b.delays = append(b.delays, delay)
	return nil
}

func TestPublisher(t *testing.T) {
	broker := &fakeBroker{}
	p := NewPublisher(broker, 45*time.Second, slog.Default())
	ctx := context.Background()

	require.NoError(t, p.RequestDispatch(ctx, "order-1"))
	require.NoError(t, p.RequestBackup(ctx, "order-1", []int{3}))
	require.NoError(t, p.ScheduleSweep(ctx, "order-1"))

	require.Len(t, broker.bodies, 3)
	assert.Equal(t, []time.Duration{0, 0, 45 * time.Second}, broker.delays)

	types := make([]Type, 0, 3)
	for _, b := range broker.bodies {
		tk, err := Decode(b)
		require.NoError(t, err)
		types = append(types, tk.Type)
	}
	assert.Equal(t, []Type{TypeDispatch, TypeBackup, TypeSweep}, types)

	broker.err = errors.New("channel closed")
	assert.Error(t, p.ScheduleSweep(ctx, "order-1"))
}

type recordingHandler struct {
	mu    sync.Mutex
	tasks []*Task
	done  chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, t *Task) error {
	h.mu.Lock()
	h.tasks = append(h.tasks, t)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

func TestLocal_RunsTasks(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 3)}
	l := NewLocal(20*time.Millisecond, time.Second, slog.Default())
	l.Bind(h)
	ctx := context.Background()

	require.NoError(t, l.RequestBackup(ctx, "order-1", []int{1}))
	require.NoError(t, l.ScheduleSweep(ctx, "order-1"))

	for i := 0; i < 2; i++ {
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	l.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.tasks, 2)
	assert.Equal(t, TypeBackup, h.tasks[0].Type)
	assert.Equal(t, TypeSweep, h.tasks[1].Type)
}

func TestLocal_CloseCancelsPendingSweeps(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 1)}
	l := NewLocal(time.Hour, time.Second, slog.Default())
	l.Bind(h)

	require.NoError(t, l.ScheduleSweep(context.Background(), "order-1"))
	l.Close()

	require.NoError(t, l.RequestDispatch(context.Background(), "order-1"))
	assert.Empty(t, h.tasks)
}
