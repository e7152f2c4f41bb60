package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/metrics"
	"chronicle/studio/internal/timeline"
)

const DefaultPageSize = 50

// State is a point-in-time copy of what a controller shows.
type State struct {
	DocumentID string           `json:"documentId"`
	Selection  Selection        `json:"selection"`
	Loading    bool             `json:"loading"`
	Diff       diff.Diff        `json:"diff,omitempty"`
	Err        error            `json:"-"`
	Generation uint64           `json:"generation"`
	Chunks     []timeline.Chunk `json:"chunks"`
	HasMore    bool             `json:"hasMore"`
	version    uint64
}

type ControllerOption func(*Controller)

func WithPageSize(size int) ControllerOption {
	return func(c *Controller) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func WithDiffOptions(opts ...diff.Option) ControllerOption {
	return func(c *Controller) { c.diffOpts = append(c.diffOpts, opts...) }
}

type notification struct {
	state State
	subs  []func(State)
}

type request struct {
	generation uint64
	documentID string
	comparison Comparison
}

// Controller owns the selection for one document view. Selection changes are
// resolved by a single worker; a newer selection replaces any pending one and
// results that arrive for an older generation are dropped.
type Controller struct {
	loader   ChunkLoader
	resolver *Resolver
	pageSize int
	diffOpts []diff.Option

	mu         sync.Mutex
	documentID string
	tl         *timeline.Timeline
	selection  Selection
	loading    bool
	result     diff.Diff
	err        error
	generation uint64
	version    uint64
	hasMore    bool
	pending    *request
	subs       map[int]func(State)
	nextSub    int

	notifyMu   sync.Mutex
	delivered  uint64
	queued     *notification
	delivering bool

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     sync.WaitGroup
	stopOnce sync.Once
}

func New(documentID string, store DocumentStore, loader ChunkLoader, opts ...ControllerOption) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		loader:     loader,
		pageSize:   DefaultPageSize,
		documentID: documentID,
		tl:         timeline.New(),
		selection:  Closed,
		hasMore:    true,
		subs:       make(map[int]func(State)),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolver = NewResolver(store, c.diffOpts...)

	c.done.Add(1)
	go c.run()
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{
		DocumentID: c.documentID,
		Selection:  c.selection,
		Loading:    c.loading,
		Diff:       c.result,
		Err:        c.err,
		Generation: c.generation,
		Chunks:     c.tl.Chunks(),
		HasMore:    c.hasMore,
		version:    c.version,
	}
}

// Subscribe registers fn to be called after every state change. Calls are
// serialized and never observe an older state than a previous call did.
// fn may call back into the controller; the state change it causes is
// delivered after fn returns.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) SelectSince(chunkID string) State {
	return c.Select(ModeSince, chunkID)
}

func (c *Controller) SelectRevision(chunkID string) State {
	return c.Select(ModeRev, chunkID)
}

func (c *Controller) Close() State {
	return c.Select(ModeClosed, "")
}

// Select applies a navigation step and schedules the comparison it implies.
func (c *Controller) Select(mode Mode, chunkID string) State {
	c.mu.Lock()
	c.selection = c.selection.Select(mode, chunkID)
	c.scheduleLocked()
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return state
}

// Retry schedules the current selection again, typically after a fetch error.
func (c *Controller) Retry() State {
	c.mu.Lock()
	c.scheduleLocked()
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return state
}

// SetDocument switches the view to another document. The selection resets to
// Closed and the loaded history is dropped.
func (c *Controller) SetDocument(documentID string) State {
	c.mu.Lock()
	if documentID == c.documentID {
		state := c.stateLocked()
		c.mu.Unlock()
		return state
	}
	c.documentID = documentID
	c.tl = timeline.New()
	c.selection = Closed
	c.hasMore = true
	c.pending = nil
	c.generation++
	c.loading = false
	c.result = nil
	c.err = nil
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return state
}

// LoadHistory loads the newest page of chunks, replacing whatever was loaded,
// and resolves the current selection against it.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	documentID := c.documentID
	c.mu.Unlock()

	page, err := c.loader.LoadChunks(ctx, documentID, 0, c.pageSize)
	if err != nil {
		return fmt.Errorf("load chunks for %s: %w", documentID, err)
	}
	tl := timeline.New()
	if err := tl.PrependPage(page); err != nil {
		return fmt.Errorf("load chunks for %s: %w", documentID, err)
	}

	c.mu.Lock()
	if documentID != c.documentID {
		c.mu.Unlock()
		return nil
	}
	c.tl = tl
	c.hasMore = len(page) >= c.pageSize
	c.scheduleLocked()
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return nil
}

// LoadMore prepends the next older page. A selection that failed with
// ErrChunkNotLoaded is retried once the page is in.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	documentID := c.documentID
	earliest, ok := c.tl.Earliest()
	exhausted := !c.hasMore
	c.mu.Unlock()

	if !ok {
		return c.LoadHistory(ctx)
	}
	if exhausted {
		return nil
	}

	page, err := c.loader.LoadChunks(ctx, documentID, earliest.Index, c.pageSize)
	if err != nil {
		return fmt.Errorf("load chunks before %d for %s: %w", earliest.Index, documentID, err)
	}

	c.mu.Lock()
	if documentID != c.documentID {
		c.mu.Unlock()
		return nil
	}
	if current, ok := c.tl.Earliest(); !ok || current.Index != earliest.Index {
		c.mu.Unlock()
		return nil
	}
	if err := c.tl.PrependPage(page); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load chunks before %d for %s: %w", earliest.Index, documentID, err)
	}
	c.hasMore = len(page) >= c.pageSize
	if errors.Is(c.err, ErrChunkNotLoaded) {
		c.scheduleLocked()
	}
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return nil
}

// AppendChunk adds a newly committed chunk at the tail. The current snapshot
// moved, so the active comparison is resolved again.
func (c *Controller) AppendChunk(chunk timeline.Chunk) error {
	c.mu.Lock()
	if err := c.tl.Append(chunk); err != nil {
		c.mu.Unlock()
		return err
	}
	c.scheduleLocked()
	state, subs := c.changedLocked()
	c.mu.Unlock()

	c.notify(state, subs)
	return nil
}

// Stop ends the worker. A resolution in flight is cancelled and its result
// dropped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.done.Wait()
	})
}

// scheduleLocked starts a new generation for the current selection.
func (c *Controller) scheduleLocked() {
	c.generation++
	c.result = nil

	cmp, err := Prepare(c.selection, c.tl)
	if err != nil {
		c.pending = nil
		c.loading = false
		c.err = err
		metrics.Resolutions.WithLabelValues("not_loaded").Inc()
		return
	}

	c.err = nil
	c.loading = true
	c.pending = &request{generation: c.generation, documentID: c.documentID, comparison: cmp}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) changedLocked() (State, []func(State)) {
	c.version++
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return c.stateLocked(), subs
}

// notify queues state for delivery. The goroutine that finds no delivery in
// progress drains the queue without holding notifyMu, so subscribers can
// re-enter the controller. Only the newest queued state is kept.
func (c *Controller) notify(state State, subs []func(State)) {
	c.notifyMu.Lock()
	if state.version <= c.delivered || (c.queued != nil && state.version <= c.queued.state.version) {
		c.notifyMu.Unlock()
		return
	}
	c.queued = &notification{state: state, subs: subs}
	if c.delivering {
		c.notifyMu.Unlock()
		return
	}
	c.delivering = true
	for c.queued != nil {
		next := c.queued
		c.queued = nil
		c.delivered = next.state.version
		c.notifyMu.Unlock()
		for _, fn := range next.subs {
			fn(next.state)
		}
		c.notifyMu.Lock()
	}
	c.delivering = false
	c.notifyMu.Unlock()
}

func (c *Controller) run() {
	defer c.done.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		req := c.pending
		c.pending = nil
		c.mu.Unlock()
		if req == nil {
			continue
		}

		result, err := c.resolver.Resolve(c.ctx, req.documentID, req.comparison)
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if req.generation != c.generation {
			c.mu.Unlock()
			metrics.Resolutions.WithLabelValues("stale").Inc()
			log.Debug().
				Str("document_id", req.documentID).
				Uint64("generation", req.generation).
				Msg("dropped stale comparison")
			continue
		}
		c.loading = false
		c.result = result
		c.err = err
		state, subs := c.changedLocked()
		c.mu.Unlock()

		if err != nil {
			metrics.Resolutions.WithLabelValues("error").Inc()
			log.Warn().Err(err).
				Str("document_id", req.documentID).
				Str("mode", string(req.comparison.Selection.Mode)).
				Msg("comparison failed")
		} else {
			metrics.Resolutions.WithLabelValues("ok").Inc()
			metrics.DiffsComputed.WithLabelValues("view").Inc()
			log.Debug().
				Str("document_id", req.documentID).
				Str("mode", string(req.comparison.Selection.Mode)).
				Str("from", req.comparison.Pair.From.String()).
				Str("to", req.comparison.Pair.To.String()).
				Msg("comparison resolved")
		}
		c.notify(state, subs)
	}
}
