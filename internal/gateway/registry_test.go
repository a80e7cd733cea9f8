package gateway

import (
	"testing"
	"time"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// recordingHistory captures evicted sessions.
type recordingHistory struct {
	appended []models.HistoricalSession
}

func (h *recordingHistory) Append(s models.HistoricalSession) error {
	h.appended = append(h.appended, s)
	return nil
}

// setClock pins the registry clock to a mutable instant.
func setClock(r *Registry, at *time.Time) {
	r.now = func() time.Time { return *at }
}

func TestUpdateFromListTracksNewSessions(t *testing.T) {
	r := NewRegistry(nil, nil)

	r.UpdateFromList([]sessionInfo{
		{Key: "agent:one", SessionID: "s1", State: "idle", Model: "sonnet"},
		{Key: "agent:two", SessionID: "s2", State: "busy"},
	})

	sessions := r.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	got, ok := r.Get("agent:one")
	if !ok {
		t.Fatal("agent:one not tracked")
	}
	if got.SessionID != "s1" || got.Model != "sonnet" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestAbsentSessionEvictedToHistory(t *testing.T) {
	history := &recordingHistory{}
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(events.TopicSessionEnded)
	defer cancel()

	r := NewRegistry(history, bus)
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	setClock(r, &at)

	r.UpdateFromList([]sessionInfo{{Key: "agent:gone", SessionID: "s1", Model: "sonnet", InputTokens: 500}})
	at = at.Add(7 * time.Minute)
	r.UpdateFromList(nil)

	if _, ok := r.Get("agent:gone"); ok {
		t.Fatal("evicted session still tracked")
	}
	if len(history.appended) != 1 {
		t.Fatalf("expected 1 historical record, got %d", len(history.appended))
	}
	h := history.appended[0]
	if h.Key != "agent:gone" || h.InputTokens != 500 {
		t.Fatalf("unexpected historical record %+v", h)
	}
	if h.Duration != "7m0s" {
		t.Fatalf("unexpected duration %s", h.Duration)
	}

	select {
	case msg := <-ch:
		payload := msg.Payload.(events.SessionPayload)
		if payload.Session.Key != "agent:gone" {
			t.Fatalf("unexpected ended session %+v", payload.Session)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.ended broadcast")
	}
}

func TestNewSessionBroadcastsStarted(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(events.TopicSessionStarted)
	defer cancel()

	r := NewRegistry(nil, bus)
	r.UpdateFromList([]sessionInfo{{Key: "agent:new", SessionID: "s1"}})

	select {
	case msg := <-ch:
		payload := msg.Payload.(events.SessionPayload)
		if payload.Session.Key != "agent:new" {
			t.Fatalf("unexpected started session %+v", payload.Session)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.started broadcast")
	}

	// A refresh of a known session must not re-announce it.
	r.UpdateFromList([]sessionInfo{{Key: "agent:new", SessionID: "s1"}})
	select {
	case msg := <-ch:
		t.Fatalf("duplicate session.started: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefinePushDerivesStates(t *testing.T) {
	tests := []struct {
		stream string
		want   models.SessionState
	}{
		{"thinking", models.SessionThinking},
		{"assistant", models.SessionTyping},
		{"tool_call", models.SessionToolUse},
		{"tool_result", models.SessionToolUse},
		{"unknown", models.SessionBusy},
	}
	for _, tt := range tests {
		t.Run(tt.stream, func(t *testing.T) {
			r := NewRegistry(nil, nil)
			r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s", State: "idle"}})
			r.RefinePush("k", tt.stream, "")

			got, _ := r.Get("k")
			if got.State != tt.want {
				t.Fatalf("stream %s: expected %s, got %s", tt.stream, tt.want, got.State)
			}
		})
	}
}

func TestStalePushDecaysToPolledState(t *testing.T) {
	r := NewRegistry(nil, nil)
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	setClock(r, &at)

	r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s", State: "idle"}})
	r.RefinePush("k", "thinking", "")

	got, _ := r.Get("k")
	if got.State != models.SessionThinking {
		t.Fatalf("fresh push ignored: %s", got.State)
	}

	at = at.Add(pushStaleWindow + time.Second)
	got, _ = r.Get("k")
	if got.State != models.SessionIdle {
		t.Fatalf("stale push did not decay to polled state: %s", got.State)
	}
}

func TestErrorStateSurvivesPushDecay(t *testing.T) {
	r := NewRegistry(nil, nil)
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	setClock(r, &at)

	r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s", State: "idle"}})
	r.SetState("k", models.SessionError)

	got, _ := r.Get("k")
	if got.State != models.SessionError {
		t.Fatalf("error push ignored: %s", got.State)
	}

	// Unlike other pushed states, error does not decay with staleness.
	at = at.Add(pushStaleWindow + time.Second)
	got, _ = r.Get("k")
	if got.State != models.SessionError {
		t.Fatalf("error state decayed: %s", got.State)
	}

	// A later full listing reporting otherwise clears it.
	r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s", State: "busy"}})
	at = at.Add(pushStaleWindow + time.Second)
	got, _ = r.Get("k")
	if got.State != models.SessionBusy {
		t.Fatalf("listing did not clear error state: %s", got.State)
	}
}

func TestRecentActivityImpliesBusy(t *testing.T) {
	r := NewRegistry(nil, nil)
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	setClock(r, &at)

	r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s", State: "idle", LastActivity: at.Add(-2 * time.Second)}})

	got, _ := r.Get("k")
	if got.State != models.SessionBusy {
		t.Fatalf("expected busy from recent activity, got %s", got.State)
	}
}

func TestRecentToolRingIsBounded(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.UpdateFromList([]sessionInfo{{Key: "k", SessionID: "s"}})

	for i := 0; i < recentToolCap+5; i++ {
		r.RefinePush("k", "tool_call", "Bash")
	}
	got, _ := r.Get("k")
	if len(got.RecentTools) != recentToolCap {
		t.Fatalf("expected ring capped at %d, got %d", recentToolCap, len(got.RecentTools))
	}
}

func TestPushForUnknownSessionRegistersIt(t *testing.T) {
	r := NewRegistry(nil, nil)

	// Events can arrive between polls for a session the listing has not
	// shown yet.
	r.RefinePush("agent:fresh", "tool_call", "Edit")

	got, ok := r.Get("agent:fresh")
	if !ok {
		t.Fatal("pushed session not registered")
	}
	if got.State != models.SessionToolUse {
		t.Fatalf("unexpected state %s", got.State)
	}
}
