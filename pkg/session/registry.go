package session

import (
	"crypto/rand"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

// MessageState is the registry lifecycle state of one message record.
type MessageState string

const (
	MessagePending    MessageState = "pending"
	MessageSending    MessageState = "sending"
	MessageSent       MessageState = "sent"
	MessageProcessing MessageState = "processing"
	MessageReconciled MessageState = "reconciled"
	MessageFailed     MessageState = "failed"
	MessageOrphaned   MessageState = "orphaned"
)

// ProvisionalPrefix marks locally generated ids so they can never collide
// with (or be mistaken for) server-issued ones.
const ProvisionalPrefix = "local-"

// Record is the externally visible snapshot of a tracked message.
type Record struct {
	ID            string // most recently known canonical id
	ProvisionalID string // "" once a durable id existed from the start
	ServerID      string // "" until reconciled
	State         MessageState
	Content       string
	Payload       map[string]any
	CreatedAt     time.Time
	ReconciledAt  time.Time // zero until reconciled
}

type record struct {
	Record
	orphanedAt time.Time
}

// RegistryStats is a point-in-time operational snapshot.
type RegistryStats struct {
	Records             int
	Outstanding         int // unreconciled provisional records
	ByState             map[MessageState]int
	ForcedPurges        int
	Reconciled          int
	AvgReconcileLatency time.Duration
}

// Registry tracks message records from send-intent (or first inbound
// observation) through reconciliation with server-confirmed identity.
// All mutation happens under one lock; no partial index update is ever
// observable.
type Registry struct {
	clock  clockwork.Clock
	logger *slog.Logger

	orphanTimeout  time.Duration
	grace          time.Duration
	sweepEvery     time.Duration
	maxProvisional int
	threshold      float64

	mu          sync.Mutex
	index       map[string]*record // every known id (provisional and server)
	provisional map[string]*record // outstanding unreconciled records only

	forcedPurges int
	reconciled   int
	latencySum   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		orphanTimeout:  cfg.OrphanTimeout,
		grace:          cfg.OrphanGrace,
		sweepEvery:     cfg.SweepInterval,
		maxProvisional: cfg.MaxProvisional,
		threshold:      cfg.SimilarityThreshold,
		index:          make(map[string]*record),
		provisional:    make(map[string]*record),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the sweep loop. The registry stays readable afterwards but no
// background work continues.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Register tracks a new message. A message with no durable id gets a
// provisional one; the returned snapshot carries it. Never blocks on I/O.
func (r *Registry) Register(content string, payload map[string]any, durableID string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &record{Record: Record{
		State:     MessagePending,
		Content:   content,
		Payload:   payload,
		CreatedAt: r.clock.Now(),
	}}
	if durableID != "" {
		rec.ID = durableID
		rec.ServerID = durableID
		r.index[durableID] = rec
	} else {
		pid := r.newProvisionalID()
		rec.ID = pid
		rec.ProvisionalID = pid
		r.index[pid] = rec
		r.provisional[pid] = rec
		r.enforceCapLocked()
	}
	return rec.Record
}

// UpdateState transitions a record looked up by any of its ids. Unknown ids
// are a logged no-op: late and duplicate server events are expected under
// retry and must not fail the caller.
func (r *Registry) UpdateState(id string, state MessageState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.index[id]
	if !ok {
		if r.logger != nil {
			r.logger.Debug("state update for unknown message", slog.String("id", id), slog.String("state", string(state)))
		}
		return false
	}
	if rec.State == MessageReconciled {
		// Late events for an already-confirmed message carry no new state.
		if r.logger != nil {
			r.logger.Debug("state update for reconciled message ignored", slog.String("id", id), slog.String("state", string(state)))
		}
		return false
	}
	rec.State = state
	return true
}

// Get returns a snapshot of the record reachable under id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.index[id]
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// Reconcile merges server-confirmed identity into the record registered under
// provisionalID. Afterwards the record is reachable by both ids. An unknown
// provisional id means the record was purged or never registered; that is
// reported, not fatal.
func (r *Registry) Reconcile(provisionalID, serverID string, payload map[string]any) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.index[provisionalID]
	if !ok {
		if r.logger != nil {
			r.logger.Info("reconcile for unknown provisional id", slog.String("provisional_id", provisionalID), slog.String("server_id", serverID))
		}
		return Record{}, false
	}
	return r.reconcileLocked(rec, serverID, payload)
}

// ReconcileByContent is the best-effort fallback for server responses that
// carry no correlation id: the closest pending/sending record whose content
// similarity clears the threshold is reconciled. A threshold outside (0, 1]
// falls back to the configured default. This is a heuristic tie-breaker, not
// a correctness guarantee.
func (r *Registry) ReconcileByContent(content, serverID string, payload map[string]any, threshold float64) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if threshold <= 0 || threshold > 1 {
		threshold = r.threshold
	}
	var best *record
	var bestScore float64
	for _, rec := range r.provisional {
		if rec.State != MessagePending && rec.State != MessageSending && rec.State != MessageSent {
			continue
		}
		score := similarity(rec.Content, content)
		if score >= threshold && score > bestScore {
			best, bestScore = rec, score
		}
	}
	if best == nil {
		if r.logger != nil {
			r.logger.Debug("no content match for reconciliation", slog.String("server_id", serverID))
		}
		return Record{}, false
	}
	return r.reconcileLocked(best, serverID, payload)
}

func (r *Registry) reconcileLocked(rec *record, serverID string, payload map[string]any) (Record, bool) {
	if rec.ServerID != "" && rec.ServerID != serverID {
		if r.logger != nil {
			r.logger.Warn("refusing to re-reconcile to a different server id",
				slog.String("id", rec.ID),
				slog.String("server_id", rec.ServerID),
				slog.String("conflicting_id", serverID))
		}
		return Record{}, false
	}
	if rec.ServerID == serverID {
		return rec.Record, true // duplicate delivery
	}

	if rec.Payload == nil {
		rec.Payload = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		rec.Payload[k] = v
	}
	rec.ServerID = serverID
	rec.ID = serverID
	r.index[serverID] = rec
	rec.State = MessageReconciled
	rec.ReconciledAt = r.clock.Now()
	delete(r.provisional, rec.ProvisionalID)

	r.reconciled++
	r.latencySum += rec.ReconciledAt.Sub(rec.CreatedAt)
	return rec.Record, true
}

// Stats returns an operational snapshot.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RegistryStats{
		Outstanding:  len(r.provisional),
		ByState:      make(map[MessageState]int),
		ForcedPurges: r.forcedPurges,
		Reconciled:   r.reconciled,
	}
	seen := make(map[*record]bool)
	for _, rec := range r.index {
		if seen[rec] {
			continue
		}
		seen[rec] = true
		st.Records++
		st.ByState[rec.State]++
	}
	if r.reconciled > 0 {
		st.AvgReconcileLatency = r.latencySum / time.Duration(r.reconciled)
	}
	return st
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := r.clock.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// sweep orphans stale unreconciled records and purges whatever outlived its
// grace period. Orphans stay in the general index for the grace window to
// tolerate very late reconciliation.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	for pid, rec := range r.provisional {
		if now.Sub(rec.CreatedAt) < r.orphanTimeout {
			continue
		}
		rec.State = MessageOrphaned
		rec.orphanedAt = now
		delete(r.provisional, pid)
		if r.logger != nil {
			r.logger.Warn("message orphaned: no reconciliation within timeout", slog.String("id", pid))
		}
	}

	seen := make(map[*record]bool)
	for _, rec := range r.index {
		if seen[rec] {
			continue
		}
		seen[rec] = true
		switch rec.State {
		case MessageOrphaned:
			if now.Sub(rec.orphanedAt) >= r.grace {
				r.purgeLocked(rec)
			}
		case MessageReconciled:
			if now.Sub(rec.ReconciledAt) >= r.grace {
				r.purgeLocked(rec)
			}
		case MessageFailed:
			if now.Sub(rec.CreatedAt) >= r.orphanTimeout {
				r.purgeLocked(rec)
			}
		default:
			// Server-originated records carry no provisional id and never
			// reconcile; age them out so the index stays bounded.
			if rec.ProvisionalID == "" && now.Sub(rec.CreatedAt) >= r.orphanTimeout+r.grace {
				r.purgeLocked(rec)
			}
		}
	}
}

// purgeLocked removes the record from every index in one critical section.
func (r *Registry) purgeLocked(rec *record) {
	if rec.ProvisionalID != "" {
		delete(r.index, rec.ProvisionalID)
		delete(r.provisional, rec.ProvisionalID)
	}
	if rec.ServerID != "" {
		delete(r.index, rec.ServerID)
	}
	delete(r.index, rec.ID)
}

// enforceCapLocked bounds memory by force-purging the oldest outstanding
// records. Hitting it means reconciliation is failing upstream, so every
// purge is counted and logged.
func (r *Registry) enforceCapLocked() {
	for len(r.provisional) > r.maxProvisional {
		var oldest *record
		for _, rec := range r.provisional {
			if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
				oldest = rec
			}
		}
		r.purgeLocked(oldest)
		r.forcedPurges++
		if r.logger != nil {
			r.logger.Warn("provisional ceiling exceeded, force-purged oldest record",
				slog.String("id", oldest.ProvisionalID),
				slog.Int("ceiling", r.maxProvisional))
		}
	}
}

// newProvisionalID yields "local-<ulid>". ULIDs are time-ordered, so the
// oldest outstanding record is also the lexicographically smallest id.
func (r *Registry) newProvisionalID() string {
	id, err := ulid.New(ulid.Timestamp(r.clock.Now()), rand.Reader)
	if err != nil {
		return ProvisionalPrefix + uuid.NewString()
	}
	return ProvisionalPrefix + id.String()
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" && b == "" {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
