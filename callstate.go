package meshcall

import (
	"slices"
	"sync"

	"github.com/bt-bridge/meshcall/shared"
	"go.uber.org/zap"
)

// CallStateSnapshot is an immutable view of the call. Version increases by one
// for every derived snapshot; consumers may drop a snapshot whose Version is
// not newer than one already seen.
type CallStateSnapshot struct {
	Version              uint64
	IsInCall             bool
	HasLocalStream       bool
	RemoteParticipantIDs []string
}

// Equal compares everything except Version.
func (s CallStateSnapshot) Equal(o CallStateSnapshot) bool {
	return s.IsInCall == o.IsInCall &&
		s.HasLocalStream == o.HasLocalStream &&
		slices.Equal(s.RemoteParticipantIDs, o.RemoteParticipantIDs)
}

func (s CallStateSnapshot) Has(participantID string) bool {
	_, found := slices.BinarySearch(s.RemoteParticipantIDs, participantID)
	return found
}

// CallStateAggregator derives snapshots from the peer manager's state and
// pushes them to listeners. It keeps only the last snapshot.
type CallStateAggregator struct {
	logger shared.LoggerAdapter
	hub    *shared.Hub[CallStateSnapshot]

	mu      sync.Mutex
	version uint64
	last    CallStateSnapshot
}

func NewCallStateAggregator(logger shared.LoggerAdapter) *CallStateAggregator {
	logger = logger.With(zap.String("component", "call_state"))
	return &CallStateAggregator{
		logger: logger,
		hub:    shared.NewHub[CallStateSnapshot](logger, "call_state"),
	}
}

// Derive builds a fresh snapshot. remoteIDs is copied and sorted.
func (a *CallStateAggregator) Derive(hasLocalStream bool, remoteIDs []string) CallStateSnapshot {
	ids := slices.Clone(remoteIDs)
	if ids == nil {
		ids = []string{}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	a.mu.Lock()
	a.version++
	s := CallStateSnapshot{
		Version:              a.version,
		IsInCall:             len(ids) > 0,
		HasLocalStream:       hasLocalStream,
		RemoteParticipantIDs: ids,
	}
	a.last = s
	a.mu.Unlock()
	return s
}

// Deliver pushes an already derived snapshot to every listener.
func (a *CallStateAggregator) Deliver(s CallStateSnapshot) {
	a.logger.Debug(
		"call state changed",
		zap.Uint64("version", s.Version),
		zap.Bool("in_call", s.IsInCall),
		zap.Bool("local_stream", s.HasLocalStream),
		zap.Strings("remote", s.RemoteParticipantIDs),
	)
	a.hub.Publish(s)
}

// Publish derives a snapshot and delivers it.
func (a *CallStateAggregator) Publish(hasLocalStream bool, remoteIDs []string) CallStateSnapshot {
	s := a.Derive(hasLocalStream, remoteIDs)
	a.Deliver(s)
	return s
}

// Last returns the most recently derived snapshot.
func (a *CallStateAggregator) Last() CallStateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.last
	if s.RemoteParticipantIDs == nil {
		s.RemoteParticipantIDs = []string{}
	}
	return s
}

func (a *CallStateAggregator) Subscribe(fn func(CallStateSnapshot)) shared.Subscription {
	return a.hub.Subscribe(fn)
}

func (a *CallStateAggregator) Unsubscribe(s shared.Subscription) bool {
	return a.hub.Unsubscribe(s)
}

func (a *CallStateAggregator) Clear() {
	a.hub.Clear()
}
