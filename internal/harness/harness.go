// Package harness is the concurrency and I/O driver around the pure
// machine package: it owns the election timer, terminates inbound and
// outbound Raft RPCs, persists every Effects to storage, folds newly
// committed entries into the reducer, and serves client writes that
// wait for their entry to commit before acknowledging.
package harness

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
	"github.com/ocireg/raftcore/internal/reducer"
	"github.com/ocireg/raftcore/internal/storage"
)

// Peer is one other cluster member's reachable HTTP base address.
type Peer struct {
	ID      string
	BaseURL string
}

// Config configures a Harness.
type Config struct {
	ID    string
	Peers []Peer

	TickInterval time.Duration
	RPCTimeout   time.Duration

	Log zerolog.Logger
}

type waitKey struct {
	term  uint64
	index uint64
}

// Harness wires a Machine to storage, a Reducer, and the network.
type Harness struct {
	id  string
	cfg Config
	log zerolog.Logger

	mu sync.Mutex
	m  *machine.Machine

	store *storage.Storage
	red   *reducer.Reducer

	peers      map[string]string
	httpClient *http.Client

	waitersMu sync.Mutex
	waiters   map[waitKey]chan error

	cacheMu sync.Mutex
	blobCache     *lru.Cache[string, reducer.BlobInfo]
	manifestCache *lru.Cache[string, reducer.ManifestInfo]

	watchMu  sync.Mutex
	watchers map[chan []byte]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Harness. m and store must already reflect any data
// recovered at startup (the caller is expected to call storage.Open
// and machine.Machine.LoadPersisted before this). red may start empty:
// the commit index of a restarted Machine begins at 0, so recovered
// entries are folded into it again as they become committed.
func New(cfg Config, m *machine.Machine, store *storage.Storage, red *reducer.Reducer) *Harness {
	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.ID] = p.BaseURL
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 200 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}

	blobCache, _ := lru.New[string, reducer.BlobInfo](1024)
	manifestCache, _ := lru.New[string, reducer.ManifestInfo](1024)

	return &Harness{
		id:            cfg.ID,
		cfg:           cfg,
		log:           cfg.Log,
		m:             m,
		store:         store,
		red:           red,
		peers:         peers,
		httpClient:    &http.Client{Timeout: cfg.RPCTimeout},
		waiters:       make(map[waitKey]chan error),
		blobCache:     blobCache,
		manifestCache: manifestCache,
		watchers:      make(map[chan []byte]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the election-timer goroutine. It blocks until ctx is done
// or Stop is called.
func (h *Harness) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Step(machine.Msg{Kind: machine.Tick})
		}
	}
}

// Stop ends the timer loop.
func (h *Harness) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Step feeds one event to the underlying Machine, persists whatever
// it produced, folds newly committed entries into the Reducer, and
// dispatches any outbound RPCs — all under h.mu except the outbound
// network calls, which run in their own goroutines and re-enter Step
// with the reply once it arrives.
func (h *Harness) Step(msg machine.Msg) machine.Effects {
	h.mu.Lock()
	eff := h.m.Step(msg)
	h.persistLocked(eff)
	h.applyCommittedLocked(eff)
	h.mu.Unlock()

	h.dispatchOutbound(eff)
	h.publishStatus()
	return eff
}

func (h *Harness) persistLocked(eff machine.Effects) {
	if eff.SetTerm != nil {
		if err := h.store.SetTerm(eff.SetTerm.Term, eff.SetTerm.VotedFor); err != nil {
			h.log.Fatal().Err(err).Msg("failed to persist term, cannot continue without durability")
		}
	}
	if eff.RollbackTo != nil {
		kept := h.m.EntriesThrough(*eff.RollbackTo)
		if err := h.store.Rollback(*eff.RollbackTo, kept); err != nil {
			h.log.Fatal().Err(err).Msg("failed to persist rollback, cannot continue without durability")
		}
		h.failWaitersPastLocked(*eff.RollbackTo)
	}
	if len(eff.Append) > 0 {
		if err := h.store.Append(eff.Append); err != nil {
			h.log.Fatal().Err(err).Msg("failed to persist append, cannot continue without durability")
		}
	}
}

func (h *Harness) applyCommittedLocked(eff machine.Effects) {
	if eff.CommittedTo == 0 {
		return
	}
	entries := h.m.EntriesInRange(eff.CommittedFrom, eff.CommittedTo)
	h.red.Apply(entries)
	h.m.MarkApplied(eff.CommittedTo)
	h.invalidateCache()

	h.completeWaitersLocked(eff.CommittedFrom, eff.CommittedTo)

	stats := h.red.GetStats()
	h.log.Info().
		Uint64("committed_from", eff.CommittedFrom).
		Uint64("committed_to", eff.CommittedTo).
		Int("blobs", stats.Blobs).
		Int("manifests", stats.Manifests).
		Int("tags", stats.Tags).
		Msg("applied committed entries")
}

// completeWaitersLocked resolves every pending client write whose
// index fell within [from, to]; it is called with h.mu held (Step's
// critical section), so waiter channels are buffered to avoid blocking.
func (h *Harness) completeWaitersLocked(from, to uint64) {
	h.waitersMu.Lock()
	defer h.waitersMu.Unlock()
	for key, ch := range h.waiters {
		if key.index < from || key.index > to {
			continue
		}
		ch <- nil
		delete(h.waiters, key)
	}
}

// failWaitersPastLocked fails every pending client write whose index
// was discarded by a rollback, regardless of term: that log slot no
// longer holds what was proposed.
func (h *Harness) failWaitersPastLocked(keepIndex uint64) {
	h.waitersMu.Lock()
	defer h.waitersMu.Unlock()
	for key, ch := range h.waiters {
		if key.index > keepIndex {
			ch <- ErrAppendFailed
			delete(h.waiters, key)
		}
	}
}

func (h *Harness) invalidateCache() {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.blobCache.Purge()
	h.manifestCache.Purge()
}

// Append proposes a into the replicated log and blocks until it
// commits (or ctx is cancelled, or it is lost to a rollback).
func (h *Harness) Append(ctx context.Context, a action.Action) (index, term uint64, err error) {
	eff := h.Step(machine.Msg{Kind: machine.ProposeEntry, ProposedAction: a})
	if eff.Propose == nil {
		return 0, 0, fmt.Errorf("harness: propose produced no result")
	}
	if !eff.Propose.Accepted {
		if eff.Propose.LeaderHint == "" {
			return 0, 0, ErrLeaderUnavailable
		}
		return 0, 0, &ErrNotLeader{Hint: eff.Propose.LeaderHint}
	}

	index, term = eff.Propose.Index, eff.Propose.Term
	ch := make(chan error, 1)
	key := waitKey{term: term, index: index}

	h.waitersMu.Lock()
	h.waiters[key] = ch
	h.waitersMu.Unlock()

	// A reply handled between Step returning and the registration above
	// may already have committed (and applied) the entry; check once
	// under h.mu so that commit is not missed.
	h.mu.Lock()
	done := h.m.CommitIndex() >= index && h.m.EntryAt(index).Term == term
	h.mu.Unlock()
	if done {
		h.waitersMu.Lock()
		delete(h.waiters, key)
		h.waitersMu.Unlock()
		return index, term, nil
	}

	select {
	case err := <-ch:
		return index, term, err
	case <-ctx.Done():
		h.waitersMu.Lock()
		delete(h.waiters, key)
		h.waitersMu.Unlock()
		return index, term, ctx.Err()
	}
}
