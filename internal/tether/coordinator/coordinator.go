// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package coordinator is the tethering offload coordinator's
// orchestrator: it owns the single logical thread every other
// component's mutations are dispatched onto, sequences rule
// install/withdraw against RuleStore and MapAccessor so invariants hold
// across event interleavings, and schedules the three periodic jobs.
package coordinator

import (
	"context"
	"sync"

	"grimm.is/tetherd/internal/config"
	tetherrors "grimm.is/tetherd/internal/errors"
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/bpfmap"
	tetherconntrack "grimm.is/tetherd/internal/tether/conntrack"
	"grimm.is/tetherd/internal/tether/neighbor"
	"grimm.is/tetherd/internal/tether/refresher"
	"grimm.is/tetherd/internal/tether/rulestore"
	"grimm.is/tetherd/internal/tether/statslimit"
)

type task struct {
	fn   func()
	done chan struct{}
}

// Coordinator is the tethering offload orchestrator. Every
// exported method enqueues a closure onto a single worker goroutine and
// blocks until it completes, so callers observe FIFO ordering and
// serialization without needing their own locking.
type Coordinator struct {
	cfg    config.TetherConfig
	logger *logging.Logger

	store      *rulestore.RuleStore
	maps       *bpfmap.Accessor
	statsLimit *statslimit.StatsAndLimit

	conntrackConsumer *tetherconntrack.Consumer
	neighborConsumer  *neighbor.Consumer
	refresh           *refresher.Refresher

	virtual      VirtualInterfaceChecker
	metrics      MetricsSink
	conntrackSrc ConntrackSource
	neighborSrc  NeighborSource

	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state State

	refreshStop chan struct{}
	metricsStop chan struct{}
	statsStop   chan struct{}
}

// New builds a Coordinator in the Idle state and starts its dispatch
// goroutine. maps is opened by the caller (it may or may not be
// kernel-initialized; either way every operation below stays
// invariant-consistent so the coordinator degrades gracefully on
// platforms without the BPF programs loaded). conntrackSrc,
// neighborSrc, and metrics may be nil in configurations where those
// collaborators are unavailable.
func New(
	cfg config.TetherConfig,
	logger *logging.Logger,
	maps *bpfmap.Accessor,
	statsSink statslimit.StatsSink,
	metrics MetricsSink,
	virtual VirtualInterfaceChecker,
	conntrackSrc ConntrackSource,
	neighborSrc NeighborSource,
	solicitor neighbor.Solicitor,
) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("coordinator")

	store := rulestore.New()
	statsLimit := statslimit.New(store, maps, statsSink, logger)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:          cfg,
		logger:       log,
		store:        store,
		maps:         maps,
		statsLimit:   statsLimit,
		virtual:      virtual,
		metrics:      metrics,
		conntrackSrc: conntrackSrc,
		neighborSrc:  neighborSrc,
		tasks:        make(chan task, 64),
		ctx:          ctx,
		cancel:       cancel,
		state:        Idle,
	}

	c.conntrackConsumer = tetherconntrack.NewConsumer(store, maps, statsLimit, logger)
	c.neighborConsumer = neighbor.NewConsumer(store, c, solicitor, logger)
	c.refresh = refresher.New(maps, refresherTimeoutSource(conntrackSrc), refresherObserver(metrics), logger)

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case t := <-c.tasks:
			t.fn()
			close(t.done)
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch enqueues fn onto the coordinator thread and blocks until it
// has run to completion. Safe to call from any goroutine except the
// coordinator thread itself: a call from inside a running task waits on
// a task queued behind it and never returns.
func (c *Coordinator) dispatch(fn func()) {
	done := make(chan struct{})
	select {
	case c.tasks <- task{fn: fn, done: done}:
		<-done
	case <-c.ctx.Done():
	}
}

// Close stops the dispatch goroutine and any running periodic jobs,
// without closing the monitor sources (their events are dropped once
// the dispatch goroutine has stopped) and without performing the Running→Idle teardown sequence
// (callers that want a clean final stats flush should call
// RemoveDownstream for every served downstream first).
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// refresherTimeoutSource narrows a ConntrackSource down to the
// TimeoutSource capability the refresher needs. Returns nil if src is
// nil or doesn't implement it, leaving the refresher a harmless no-op.
func refresherTimeoutSource(src ConntrackSource) refresher.TimeoutSource {
	if src == nil {
		return nil
	}
	ts, ok := src.(refresher.TimeoutSource)
	if !ok {
		return nil
	}
	return ts
}

// refresherObserver narrows a MetricsSink down to the Observer
// capability the refresher reports sweep counts to. Returns nil if m is
// nil or doesn't implement it, leaving sweeps simply unreported.
func refresherObserver(m MetricsSink) refresher.Observer {
	if m == nil {
		return nil
	}
	obs, ok := m.(refresher.Observer)
	if !ok {
		return nil
	}
	return obs
}

// reportDownstreamsActive forwards the current served-downstream count
// to the metrics sink, if one was supplied.
func (c *Coordinator) reportDownstreamsActive() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetDownstreamsActive(len(c.store.AllDownstreams()))
}

func (c *Coordinator) logAnomaly(msg string, kv ...any) {
	c.logger.Error(msg, append([]any{"kind", tetherrors.KindInvariantAnomaly.String()}, kv...)...)
}

// isVirtual reports whether name should be treated as virtual: false
// when no VirtualInterfaceChecker was supplied, since an upstream
// monitor is always expected in production but tests exercising the
// coordinator directly may omit it.
func (c *Coordinator) isVirtual(name string) bool {
	if c.virtual == nil {
		return false
	}
	return c.virtual.IsVirtual(name)
}
