package gateway

import (
	"sync"
	"time"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

const (
	// recentToolCap bounds the per-session ring of recent tool calls.
	recentToolCap = 10

	// busyWindow: an update newer than this implies the session is busy
	// regardless of its reported state.
	busyWindow = 5 * time.Second

	// pushStaleWindow: a pushed state older than this decays back to the
	// last polled state.
	pushStaleWindow = 30 * time.Second
)

// HistorySink receives the durable record of a session that disappeared.
type HistorySink interface {
	Append(session models.HistoricalSession) error
}

// liveEntry is the registry's bookkeeping for one live session.
type liveEntry struct {
	session     models.LiveSession
	polledState models.SessionState
	firstSeen   time.Time
	lastPush    time.Time
	pushState   models.SessionState
}

// Registry tracks the sessions currently reported by the gateway and
// derives each session's activity state from poll recency and push stream
// tags. Sessions absent from a later listing are evicted into history.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*liveEntry
	history HistorySink
	bus     events.Bus
	now     func() time.Time
}

// NewRegistry creates a Registry. history and bus may be nil in tests.
func NewRegistry(history HistorySink, bus events.Bus) *Registry {
	return &Registry{
		entries: make(map[string]*liveEntry),
		history: history,
		bus:     bus,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UpdateFromList reconciles the registry against a full sessions.list
// result. New sessions are announced, known ones refreshed, and sessions
// missing from the listing are converted into historical records.
func (r *Registry) UpdateFromList(infos []sessionInfo) {
	now := r.now()

	r.mu.Lock()
	present := make(map[string]bool, len(infos))
	var started []models.LiveSession
	for _, info := range infos {
		present[info.Key] = true
		polled := models.SessionState(info.State)
		if polled == "" {
			polled = models.SessionIdle
		}

		entry, ok := r.entries[info.Key]
		if !ok {
			entry = &liveEntry{firstSeen: now}
			r.entries[info.Key] = entry
			started = append(started, models.LiveSession{Key: info.Key, SessionID: info.SessionID, State: polled})
		}
		entry.polledState = polled
		entry.session.Key = info.Key
		entry.session.SessionID = info.SessionID
		entry.session.Model = info.Model
		entry.session.InputTokens = info.InputTokens
		entry.session.OutputTokens = info.OutputTokens
		if !info.LastActivity.IsZero() {
			entry.session.LastActivity = info.LastActivity
		}
	}

	var ended []models.HistoricalSession
	for key, entry := range r.entries {
		if present[key] {
			continue
		}
		delete(r.entries, key)
		ended = append(ended, r.toHistorical(entry, now))
	}
	r.mu.Unlock()

	for _, s := range started {
		if r.bus != nil {
			r.bus.Publish(events.TopicSessionStarted, events.SessionPayload{Session: s})
		}
	}
	for _, h := range ended {
		if r.history != nil {
			// Eviction errors are absorbed: history is best-effort.
			_ = r.history.Append(h)
		}
		if r.bus != nil {
			r.bus.Publish(events.TopicSessionEnded, events.SessionPayload{
				Session: models.LiveSession{Key: h.Key, SessionID: h.SessionID, Model: h.Model},
			})
		}
	}
}

// toHistorical converts a live entry into its bounded durable record.
func (r *Registry) toHistorical(entry *liveEntry, now time.Time) models.HistoricalSession {
	return models.HistoricalSession{
		Key:          entry.session.Key,
		SessionID:    entry.session.SessionID,
		Model:        entry.session.Model,
		Started:      entry.firstSeen,
		Ended:        now,
		Duration:     now.Sub(entry.firstSeen).Round(time.Second).String(),
		InputTokens:  entry.session.InputTokens,
		OutputTokens: entry.session.OutputTokens,
	}
}

// RefinePush applies an "agent" stream tag to the session's derived state.
func (r *Registry) RefinePush(key, stream, tool string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		// Push for a session the poll has not seen yet: register it so
		// events between polls are not lost.
		entry = &liveEntry{firstSeen: now, polledState: models.SessionBusy}
		entry.session.Key = key
		r.entries[key] = entry
	}

	entry.lastPush = now
	entry.session.LastActivity = now
	switch stream {
	case "thinking":
		entry.pushState = models.SessionThinking
	case "assistant":
		entry.pushState = models.SessionTyping
	case "tool_call", "tool_result":
		entry.pushState = models.SessionToolUse
	default:
		entry.pushState = models.SessionBusy
	}

	if stream == "tool_call" && tool != "" {
		entry.session.RecentTools = append(entry.session.RecentTools, models.ToolInvocation{Tool: tool, At: now})
		if len(entry.session.RecentTools) > recentToolCap {
			entry.session.RecentTools = entry.session.RecentTools[len(entry.session.RecentTools)-recentToolCap:]
		}
	}
}

// SetState applies an explicit session.state.change push. An error state is
// sticky: it also replaces the polled state, so it survives push decay until
// the next full listing reports otherwise.
func (r *Registry) SetState(key string, state models.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		entry.lastPush = r.now()
		entry.pushState = state
		if state == models.SessionError {
			entry.polledState = state
		}
	}
}

// Get returns the derived view of one session.
func (r *Registry) Get(key string) (models.LiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return models.LiveSession{}, false
	}
	return r.derive(entry), true
}

// Sessions returns the derived view of every live session.
func (r *Registry) Sessions() []models.LiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LiveSession, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, r.derive(entry))
	}
	return out
}

// derive computes the session's activity state: a very recent update means
// busy, a fresh push refines it, and a stale push decays to the last polled
// state.
func (r *Registry) derive(entry *liveEntry) models.LiveSession {
	s := entry.session
	now := r.now()

	switch {
	case !entry.lastPush.IsZero() && now.Sub(entry.lastPush) <= pushStaleWindow:
		s.State = entry.pushState
	case now.Sub(s.LastActivity) <= busyWindow && !s.LastActivity.IsZero():
		s.State = models.SessionBusy
	default:
		s.State = entry.polledState
	}
	if s.State == "" {
		s.State = models.SessionIdle
	}
	return s
}
