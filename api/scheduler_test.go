package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

func TestExpiryScheduler_CancelsUnconfirmedPastStart(t *testing.T) {
	// GIVEN: Two bookings at 10:00, one confirmed by both, one left pending
	ts := newTestServer(t)
	ts.offer(t, "4")
	ts.fund(t, testStudent, "20")
	pending := decodeBody[SessionDTO](t, ts.book(t, time.Hour))
	confirmed := decodeBody[SessionDTO](t, ts.book(t, time.Hour))
	ts.do(t, http.MethodPost, "/api/sessions/"+confirmed.ID+"/confirm", testTeacher, nil)
	ts.do(t, http.MethodPost, "/api/sessions/"+confirmed.ID+"/confirm", testStudent, nil)

	es := NewExpiryScheduler(ts.store.Sessions(), ts.handler.Machine, testSystem, nil)

	// WHEN: A sweep runs before the start time
	es.Now = func() time.Time { return monday10am.Add(-time.Minute) }
	assert.Equal(t, 0, es.RunNow(context.Background()))

	// AND: Another runs after it
	es.Now = func() time.Time { return monday10am.Add(time.Minute) }
	assert.Equal(t, 1, es.RunNow(context.Background()))

	// THEN: Only the pending session was cancelled and its hold released
	got := decodeBody[SessionDTO](t, ts.do(t, http.MethodGet, "/api/sessions/"+pending.ID, testStudent, nil))
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, ExpiryReason, got.CancellationReason)
	assert.Equal(t, string(testSystem), got.CancelledBy)

	got = decodeBody[SessionDTO](t, ts.do(t, http.MethodGet, "/api/sessions/"+confirmed.ID, testStudent, nil))
	assert.Equal(t, "confirmed", got.Status)

	b := ts.balance(t, testStudent)
	assertCredits(t, "16", b.Available, "one hold released")
	assertCredits(t, "4", b.Held, "confirmed hold kept")

	// A second sweep finds nothing to do
	assert.Equal(t, 0, es.RunNow(context.Background()))
}

func TestExpiryScheduler_NonAdminActorCancelsNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.offer(t, "4")
	ts.fund(t, testStudent, "20")
	ts.book(t, time.Hour)

	es := NewExpiryScheduler(ts.store.Sessions(), ts.handler.Machine, credit.UserID("nobody"), nil)
	es.Now = func() time.Time { return monday10am.Add(time.Hour) }

	assert.Equal(t, 0, es.RunNow(context.Background()))
	assertCredits(t, "4", ts.balance(t, testStudent).Held, "hold untouched")
}

func TestExpiryScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)
	es := NewExpiryScheduler(ts.store.Sessions(), ts.handler.Machine, testSystem, nil)
	es.CheckInterval = time.Hour

	es.Start()
	es.Stop()
	es.Stop() // second stop is a no-op

	disabled := NewExpiryScheduler(ts.store.Sessions(), ts.handler.Machine, testSystem, nil)
	disabled.Enabled = false
	disabled.Start()
	require.Nil(t, disabled.ticker)
	disabled.Stop()
}

func TestExpiryScheduler_RestartKeepsSweeping(t *testing.T) {
	ts := newTestServer(t)
	ts.offer(t, "4")
	ts.fund(t, testStudent, "20")

	es := NewExpiryScheduler(ts.store.Sessions(), ts.handler.Machine, testSystem, nil)
	es.CheckInterval = 10 * time.Millisecond
	es.Now = func() time.Time { return monday10am.Add(time.Minute) }

	// GIVEN: A scheduler that was stopped and started again
	es.Start()
	es.Stop()
	es.Start()
	defer es.Stop()
	es.Start() // already running, no second goroutine

	// WHEN: A session expires after the restart
	s := decodeBody[SessionDTO](t, ts.book(t, time.Hour))

	// THEN: A later tick cancels it
	require.Eventually(t, func() bool {
		got, err := ts.store.Sessions().Get(context.Background(), credit.SessionID(s.ID))
		return err == nil && got.Status == session.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}
