package hub

import (
	"fmt"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
)

// StreamState is the staging record for one in-flight agent stream. Buffer
// holds the cumulative text-to-date; chunks are snapshots, so each chunk
// overwrites it.
type StreamState struct {
	RunID      string
	SessionKey string
	ThreadID   string
	Buffer     string
	StartedAt  time.Time
	LastChunk  time.Time
}

// StreamStager owns the ephemeral stream table keyed by runId. It is owned
// by the hub executor and unsynchronized.
//
// The plugin often delivers the terminal agent.text before agent.stream.end,
// so Finalize clears state eagerly and a later End for a cleared runId is a
// no-op.
type StreamStager struct {
	states     map[string]*StreamState
	stallAfter time.Duration
	now        func() time.Time
}

// NewStreamStager creates a stager. Streams with no chunk, end, or terminal
// for stallAfter are considered stalled and surface via Stalled.
func NewStreamStager(stallAfter time.Duration) *StreamStager {
	return &StreamStager{
		states:     make(map[string]*StreamState),
		stallAfter: stallAfter,
		now:        time.Now,
	}
}

// Start opens a stream. A duplicate start with identical (sessionKey,
// threadId) is idempotent; a duplicate with a different target is rejected
// with ErrStateConflict.
func (s *StreamStager) Start(runID, sessionKey, threadID string) error {
	if st, ok := s.states[runID]; ok {
		if st.SessionKey == sessionKey && st.ThreadID == threadID {
			return nil
		}
		return fmt.Errorf("run %s already open for %s: %w", runID, st.SessionKey, errors.ErrStateConflict)
	}

	now := s.now()
	s.states[runID] = &StreamState{
		RunID:      runID,
		SessionKey: sessionKey,
		ThreadID:   threadID,
		StartedAt:  now,
		LastChunk:  now,
	}
	metrics.StreamsActive.Inc()
	return nil
}

// Chunk overwrites the buffer with the cumulative snapshot. Returns false
// when no stream is open for runId.
func (s *StreamStager) Chunk(runID, text string) bool {
	st, ok := s.states[runID]
	if !ok {
		return false
	}
	st.Buffer = text
	st.LastChunk = s.now()
	return true
}

// End clears a stream. Returns false when the stream was already cleared,
// which callers treat as a silent no-op.
func (s *StreamStager) End(runID string) bool {
	if _, ok := s.states[runID]; !ok {
		return false
	}
	delete(s.states, runID)
	metrics.StreamsActive.Dec()
	return true
}

// Finalize clears the stream a terminal message belongs to and returns its
// state. The match is by runId when given, otherwise by (sessionKey,
// threadId). Returns nil when no open stream matches.
func (s *StreamStager) Finalize(runID, sessionKey, threadID string) *StreamState {
	if runID != "" {
		st, ok := s.states[runID]
		if !ok {
			return nil
		}
		delete(s.states, runID)
		metrics.StreamsActive.Dec()
		return st
	}

	for id, st := range s.states {
		if st.SessionKey == sessionKey && st.ThreadID == threadID {
			delete(s.states, id)
			metrics.StreamsActive.Dec()
			return st
		}
	}
	return nil
}

// Stalled removes and returns every stream whose last chunk is older than
// the stall window. The hub emits a synthetic terminal for each.
func (s *StreamStager) Stalled() []*StreamState {
	cutoff := s.now().Add(-s.stallAfter)
	var stalled []*StreamState
	for id, st := range s.states {
		if st.LastChunk.Before(cutoff) {
			stalled = append(stalled, st)
			delete(s.states, id)
		}
	}
	if len(stalled) > 0 {
		metrics.StreamsActive.Sub(float64(len(stalled)))
		metrics.StreamStalls.Add(float64(len(stalled)))
	}
	return stalled
}

// Active returns the open streams, for replay to a freshly attached client.
func (s *StreamStager) Active() []*StreamState {
	if len(s.states) == 0 {
		return nil
	}
	out := make([]*StreamState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

// DrainAll removes and returns every open stream. Used when the plugin
// socket drops mid-stream.
func (s *StreamStager) DrainAll() []*StreamState {
	out := s.Active()
	if len(out) > 0 {
		s.states = make(map[string]*StreamState)
		metrics.StreamsActive.Sub(float64(len(out)))
	}
	return out
}
