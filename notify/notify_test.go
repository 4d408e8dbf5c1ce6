package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit(t *testing.T) {
	t.Run("stamps and delivers in order", func(t *testing.T) {
		rec := &Recorder{}
		Emit(context.Background(), rec, nil,
			Event{Kind: SessionBooked, UserID: "alice"},
			Event{Kind: CreditsSpent, UserID: "alice", Amount: decimal.NewFromInt(6)},
		)

		assert.Equal(t, []Kind{SessionBooked, CreditsSpent}, rec.Kinds())
		for _, ev := range rec.Events() {
			assert.False(t, ev.At.IsZero())
		}
	})

	t.Run("keeps a caller supplied time", func(t *testing.T) {
		rec := &Recorder{}
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		Emit(context.Background(), rec, nil, Event{Kind: SessionCancelled, UserID: "bob", At: at})
		assert.Equal(t, at, rec.Events()[0].At)
	})

	t.Run("swallows dispatch errors", func(t *testing.T) {
		rec := &Recorder{Err: errors.New("gateway down")}
		assert.NotPanics(t, func() {
			Emit(context.Background(), rec, nil, Event{Kind: CreditsEarned, UserID: "bob"})
		})
		assert.Empty(t, rec.Events())
	})

	t.Run("nil dispatcher discards", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Emit(context.Background(), nil, nil, Event{Kind: CreditsEarned})
		})
	})
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &Recorder{}
	failing := &Recorder{Err: errors.New("boom")}

	err := Multi{ok, failing}.Dispatch(context.Background(), Event{Kind: SessionStarted, UserID: "alice"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.Events(), 1, "a failing sink does not stop the others")
}

func TestRecorder_For(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	require.NoError(t, rec.Dispatch(ctx, Event{Kind: CreditsSpent, UserID: "alice"}))
	require.NoError(t, rec.Dispatch(ctx, Event{Kind: CreditsEarned, UserID: "bob"}))

	assert.Len(t, rec.For("bob"), 1)
	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestPool_DeliversAndDrainsOnShutdown(t *testing.T) {
	rec := &Recorder{}
	p := NewPool(16, rec, nil)
	p.Start(3)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Dispatch(context.Background(), Event{Kind: CreditsRefunded, UserID: "alice"}))
	}
	p.Shutdown()

	assert.Len(t, rec.Events(), 10)
	assert.ErrorIs(t, p.Dispatch(context.Background(), Event{Kind: CreditsRefunded}), ErrPoolClosed)
	p.Shutdown() // idempotent
}

func TestPool_DropsWhenFull(t *testing.T) {
	// GIVEN: A pool with no workers and room for one event
	p := NewPool(1, &Recorder{}, nil)

	// WHEN: Two events arrive
	first := p.Dispatch(context.Background(), Event{Kind: SessionBooked})
	second := p.Dispatch(context.Background(), Event{Kind: SessionBooked})

	// THEN: The second is dropped without blocking
	assert.NoError(t, first)
	assert.ErrorIs(t, second, ErrQueueFull)
}

type fakeInserter struct {
	mu   sync.Mutex
	args []river.JobArgs
	opts []*river.InsertOpts
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	f.opts = append(f.opts, opts)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(f.args))}}, nil
}

func TestRiverDispatcher_EnqueuesSingleAttemptJobs(t *testing.T) {
	ins := &fakeInserter{}
	d := NewRiverDispatcher(ins)
	ev := Event{Kind: SessionCompleted, UserID: "bob", SessionID: "s-1", Amount: decimal.NewFromInt(6)}

	require.NoError(t, d.Dispatch(context.Background(), ev))

	require.Len(t, ins.args, 1)
	args, ok := ins.args[0].(DeliveryArgs)
	require.True(t, ok)
	assert.Equal(t, "notify_delivery", args.Kind())
	assert.Equal(t, ev.SessionID, args.Event.SessionID)
	assert.Equal(t, 1, ins.opts[0].MaxAttempts)

	ins.err = errors.New("connection refused")
	err := d.Dispatch(context.Background(), ev)
	assert.ErrorContains(t, err, "enqueue session.completed notification")
}

func TestDeliveryWorker_HandsEventToSink(t *testing.T) {
	rec := &Recorder{}
	w := NewDeliveryWorker(rec)
	job := &river.Job[DeliveryArgs]{
		JobRow: &rivertype.JobRow{ID: 7},
		Args:   DeliveryArgs{Event: Event{Kind: CreditsAdjusted, UserID: "carol"}},
	}

	require.NoError(t, w.Work(context.Background(), job))
	assert.Len(t, rec.For("carol"), 1)

	rec.Err = errors.New("mailer offline")
	assert.ErrorContains(t, w.Work(context.Background(), job), "deliver credits.adjusted to carol")
}

func TestDispatcherFunc(t *testing.T) {
	var got Kind
	d := DispatcherFunc(func(_ context.Context, ev Event) error {
		got = ev.Kind
		return nil
	})
	require.NoError(t, NewLogDispatcher(nil).Dispatch(context.Background(), Event{Kind: SessionDisputed}))
	require.NoError(t, d.Dispatch(context.Background(), Event{Kind: SessionDisputed}))
	assert.Equal(t, SessionDisputed, got)
}
