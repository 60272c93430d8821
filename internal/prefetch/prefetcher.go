// Package prefetch decodes frames ahead of need. Requests are deduplicated
// per (source, frame), ordered by priority, and drained by a bounded pool of
// workers; the playhead drives a direction-aware look-ahead window.
package prefetch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/framecache"
	"github.com/zsiec/framepipe/internal/media"
)

var (
	ErrUnknownSource      = errors.New("prefetch: unknown source")
	ErrTimeout            = errors.New("prefetch: request timed out")
	ErrCancelled          = errors.New("prefetch: request cancelled")
	ErrSourceUnregistered = errors.New("prefetch: source unregistered")
	ErrRunning            = errors.New("prefetch: already running")
)

// Defaults applied by New.
const (
	DefaultMaxConcurrent      = 4
	DefaultRequestTimeout     = 5 * time.Second
	DefaultSlowFetchThreshold = 50 * time.Millisecond

	minLookAhead = 2
	// highAhead frames after the playhead are fetched at High.
	highAhead = 2
	ewmaAlpha = 0.2
)

// Source is what the prefetcher decodes from.
type Source interface {
	ID() string
	Metadata() decode.Metadata
	// FrameAt returns a frame holding a reference the caller releases.
	FrameAt(ctx context.Context, n int) (*media.DecodedFrame, error)
}

// Result is delivered to a request's callback. Frame is borrowed for the
// duration of the callback; Retain it to keep it.
type Result struct {
	SourceID    string
	FrameNumber int
	Frame       *media.DecodedFrame
	Err         error
	FromCache   bool
}

// Callback receives the outcome of a request exactly once.
type Callback func(Result)

// Request is one entry for RequestFrames.
type Request struct {
	SourceID    string
	FrameNumber int
	Priority    Priority
	Callback    Callback
}

// Config configures a Prefetcher.
type Config struct {
	MaxConcurrent  int
	RequestTimeout time.Duration
	LookAhead      int
	LookBehind     int
	// Adaptive shrinks the look-ahead while the average fetch time exceeds
	// SlowFetchThreshold.
	Adaptive           bool
	SlowFetchThreshold time.Duration
	Cache              *framecache.Cache
	Logger             *slog.Logger
}

// Stats is a snapshot of prefetcher counters.
type Stats struct {
	Sources      int     `json:"sources"`
	Total        int64   `json:"total"`
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
	TimedOut     int64   `json:"timedOut"`
	Cancelled    int64   `json:"cancelled"`
	CacheHits    int64   `json:"cacheHits"`
	Deduplicated int64   `json:"deduplicated"`
	Upgraded     int64   `json:"upgraded"`
	Queued       int     `json:"queued"`
	InFlight     int     `json:"inFlight"`
	AvgFetchMs   float64 `json:"avgFetchMs"`
	LookAhead    int     `json:"lookAhead"`
	Running      bool    `json:"running"`
}

type sourceState struct {
	src         Source
	playhead    int
	hasPlayhead bool
	direction   int
}

// Prefetcher is safe for concurrent use.
type Prefetcher struct {
	cfg   Config
	log   *slog.Logger
	cache *framecache.Cache
	sem   *semaphore.Weighted
	wake  chan struct{}

	mu        sync.Mutex
	sources   map[string]*sourceState
	queue     queue
	queued    map[reqKey]*item
	inflight  map[reqKey]*item
	seq       uint64
	lookAhead int
	avgFetch  time.Duration
	cancel    context.CancelFunc
	group     *errgroup.Group
	stats     Stats
}

// New creates a stopped Prefetcher.
func New(cfg Config) *Prefetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = media.DefaultLookAhead
	}
	if cfg.LookBehind < 0 {
		cfg.LookBehind = 0
	} else if cfg.LookBehind == 0 {
		cfg.LookBehind = media.DefaultLookBehind
	}
	if cfg.SlowFetchThreshold <= 0 {
		cfg.SlowFetchThreshold = DefaultSlowFetchThreshold
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Prefetcher{
		cfg:       cfg,
		log:       log.With("component", "prefetcher"),
		cache:     cfg.Cache,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		sources:   make(map[string]*sourceState),
		queued:    make(map[reqKey]*item),
		inflight:  make(map[reqKey]*item),
		lookAhead: cfg.LookAhead,
	}
}

// RegisterSource makes src available to requests, replacing any source with
// the same ID.
func (p *Prefetcher) RegisterSource(src Source) {
	p.mu.Lock()
	p.sources[src.ID()] = &sourceState{src: src, direction: 1}
	p.mu.Unlock()
	p.log.Debug("source registered", "source", src.ID())
}

// UnregisterSource forgets a source. Its queued requests fail with
// ErrSourceUnregistered; results of its in-flight requests are discarded.
func (p *Prefetcher) UnregisterSource(id string) {
	p.mu.Lock()
	delete(p.sources, id)
	removed := p.queue.removeWhere(func(it *item) bool { return it.key.sourceID == id })
	for _, it := range removed {
		delete(p.queued, it.key)
	}
	p.stats.Cancelled += int64(len(removed))
	p.mu.Unlock()

	failAll(removed, ErrSourceUnregistered)
	p.log.Debug("source unregistered", "source", id, "dropped", len(removed))
}

// RequestFrame asks for frame n of source id. A cached frame is delivered to
// cb before RequestFrame returns. Otherwise the request is queued, merged
// with any pending request for the same frame; merging only ever raises the
// priority. cb may be nil.
func (p *Prefetcher) RequestFrame(id string, n int, pri Priority, cb Callback) error {
	p.mu.Lock()
	st, ok := p.sources[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("request %s/%d: %w", id, n, ErrUnknownSource)
	}
	if total := st.src.Metadata().TotalFrames; n < 0 || n >= total {
		p.mu.Unlock()
		return fmt.Errorf("request %s/%d of %d: %w", id, n, total, decode.ErrOutOfRange)
	}
	p.stats.Total++

	if p.cache != nil {
		if f, hit := p.cache.Acquire(framecache.Key{SourceID: id, FrameNumber: n}); hit {
			p.stats.CacheHits++
			p.stats.Completed++
			p.mu.Unlock()
			if cb != nil {
				cb(Result{SourceID: id, FrameNumber: n, Frame: f, FromCache: true})
			}
			f.Release()
			return nil
		}
	}

	p.enqueueLocked(reqKey{sourceID: id, frame: n}, pri, cb)
	p.mu.Unlock()
	p.signal()
	return nil
}

// RequestTime asks for the frame displayed at ms.
func (p *Prefetcher) RequestTime(id string, ms float64, pri Priority, cb Callback) error {
	p.mu.Lock()
	st, ok := p.sources[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %s@%.0fms: %w", id, ms, ErrUnknownSource)
	}
	return p.RequestFrame(id, st.src.Metadata().FrameAtTime(ms), pri, cb)
}

// RequestFrames submits each request and joins their errors.
func (p *Prefetcher) RequestFrames(reqs []Request) error {
	var errs []error
	for _, r := range reqs {
		if err := p.RequestFrame(r.SourceID, r.FrameNumber, r.Priority, r.Callback); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Prefetcher) enqueueLocked(key reqKey, pri Priority, cb Callback) {
	if it, ok := p.inflight[key]; ok {
		if cb != nil {
			it.callbacks = append(it.callbacks, cb)
		}
		p.stats.Deduplicated++
		return
	}
	if it, ok := p.queued[key]; ok {
		if cb != nil {
			it.callbacks = append(it.callbacks, cb)
		}
		if p.queue.upgrade(it, pri) {
			p.stats.Upgraded++
		}
		p.stats.Deduplicated++
		return
	}

	p.seq++
	it := &item{key: key, priority: pri, seq: p.seq}
	if cb != nil {
		it.callbacks = []Callback{cb}
	}
	heap.Push(&p.queue, it)
	p.queued[key] = it
}

func (p *Prefetcher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// UpdatePlayhead moves the look-ahead window for source id to frame. The
// play direction is inferred from the previous playhead. Frames are queued
// at descending priority with distance from the playhead, and stale
// low-priority requests outside the new window are discarded.
func (p *Prefetcher) UpdatePlayhead(id string, frame int) error {
	p.mu.Lock()
	st, ok := p.sources[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("playhead %s: %w", id, ErrUnknownSource)
	}
	if st.hasPlayhead && frame != st.playhead {
		if frame > st.playhead {
			st.direction = 1
		} else {
			st.direction = -1
		}
	}
	st.playhead, st.hasPlayhead = frame, true

	total := st.src.Metadata().TotalFrames
	ahead, behind := p.lookAhead, p.cfg.LookBehind
	dir := st.direction
	lo, hi := frame-behind, frame+ahead
	if dir < 0 {
		lo, hi = frame-ahead, frame+behind
	}

	stale := p.queue.removeWhere(func(it *item) bool {
		return it.key.sourceID == id && it.priority <= Low &&
			(it.key.frame < lo || it.key.frame > hi) && len(it.callbacks) == 0
	})
	for _, it := range stale {
		delete(p.queued, it.key)
	}

	want := func(n int, pri Priority) {
		if n < 0 || n >= total {
			return
		}
		if p.cache != nil && p.cache.HasFrame(id, n) {
			return
		}
		p.enqueueLocked(reqKey{sourceID: id, frame: n}, pri, nil)
	}

	want(frame, Critical)
	near := ahead / 2
	for i := 1; i <= ahead; i++ {
		pri := Low
		switch {
		case i <= highAhead:
			pri = High
		case i <= near:
			pri = Normal
		}
		want(frame+dir*i, pri)
	}
	for i := 1; i <= behind; i++ {
		want(frame-dir*i, Background)
	}
	queued := len(p.queue)
	p.mu.Unlock()

	p.signal()
	p.log.Debug("playhead updated", "source", id, "frame", frame, "direction", dir,
		"lookAhead", ahead, "discarded", len(stale), "queued", queued)
	return nil
}

// Start launches the dispatcher. Workers stop when ctx is done or Stop is
// called.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.cancel, p.group = cancel, g
	p.stats.Running = true

	g.Go(func() error { return p.dispatch(ctx, g) })
	p.log.Info("prefetcher started", "maxConcurrent", p.cfg.MaxConcurrent, "lookAhead", p.lookAhead)
	return nil
}

// Stop cancels the dispatcher, waits for in-flight work, and fails every
// queued request with ErrCancelled.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.stats.Running = false
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
	n := p.ClearQueue()
	p.log.Info("prefetcher stopped", "cancelled", n)
}

// ClearQueue fails every queued request with ErrCancelled and returns how
// many were dropped. In-flight requests are unaffected.
func (p *Prefetcher) ClearQueue() int {
	p.mu.Lock()
	removed := p.queue.removeWhere(func(*item) bool { return true })
	clear(p.queued)
	p.stats.Cancelled += int64(len(removed))
	p.mu.Unlock()

	failAll(removed, ErrCancelled)
	return len(removed)
}

func (p *Prefetcher) dispatch(ctx context.Context, g *errgroup.Group) error {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		it := p.next(ctx)
		if it == nil {
			p.sem.Release(1)
			return nil
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			p.fetch(ctx, it)
			return nil
		})
	}
}

// next blocks until a request is queued or ctx is done.
func (p *Prefetcher) next(ctx context.Context) *item {
	for {
		p.mu.Lock()
		if p.queue.Len() > 0 {
			it := heap.Pop(&p.queue).(*item)
			delete(p.queued, it.key)
			p.inflight[it.key] = it
			p.mu.Unlock()
			return it
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}

type fetchResult struct {
	frame *media.DecodedFrame
	err   error
}

func (p *Prefetcher) fetch(ctx context.Context, it *item) {
	p.mu.Lock()
	st, ok := p.sources[it.key.sourceID]
	p.mu.Unlock()
	if !ok {
		p.finish(it, nil, ErrSourceUnregistered, false, 0)
		return
	}

	if p.cache != nil {
		if f, hit := p.cache.Acquire(framecache.Key{SourceID: it.key.sourceID, FrameNumber: it.key.frame}); hit {
			p.finish(it, f, nil, true, 0)
			return
		}
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		f, err := st.src.FrameAt(fctx, it.key.frame)
		done <- fetchResult{frame: f, err: err}
	}()

	select {
	case r := <-done:
		p.finish(it, r.frame, r.err, false, time.Since(started))
	case <-fctx.Done():
		err := ErrTimeout
		if ctx.Err() != nil {
			err = ErrCancelled
		}
		p.finish(it, nil, err, false, time.Since(started))
		// The decode may still complete; its frame is nobody's.
		go func() {
			if r := <-done; r.frame != nil {
				r.frame.Release()
			}
		}()
	}
}

// finish delivers the outcome of it to its callbacks and drops the fetch's
// frame reference afterwards.
func (p *Prefetcher) finish(it *item, f *media.DecodedFrame, err error, fromCache bool, took time.Duration) {
	p.mu.Lock()
	delete(p.inflight, it.key)
	cbs := it.callbacks
	if _, ok := p.sources[it.key.sourceID]; !ok && err == nil {
		err = ErrSourceUnregistered
	}
	switch {
	case err == nil:
		p.stats.Completed++
		if fromCache {
			p.stats.CacheHits++
		}
	case errors.Is(err, ErrTimeout):
		p.stats.TimedOut++
		p.stats.Failed++
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrSourceUnregistered):
		p.stats.Cancelled++
	default:
		p.stats.Failed++
	}
	if took > 0 {
		p.observeLocked(took)
	}
	p.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrSourceUnregistered) {
		p.log.Debug("prefetch failed", "source", it.key.sourceID, "frame", it.key.frame, "error", err)
	}

	res := Result{SourceID: it.key.sourceID, FrameNumber: it.key.frame, Err: err, FromCache: fromCache}
	if err == nil {
		res.Frame = f
	}
	for _, cb := range cbs {
		cb(res)
	}
	if f != nil {
		f.Release()
	}
}

// observeLocked folds a fetch duration into the moving average and, in
// adaptive mode, resizes the look-ahead window.
func (p *Prefetcher) observeLocked(took time.Duration) {
	if p.avgFetch == 0 {
		p.avgFetch = took
	} else {
		p.avgFetch = time.Duration(float64(p.avgFetch)*(1-ewmaAlpha) + float64(took)*ewmaAlpha)
	}
	if !p.cfg.Adaptive {
		return
	}
	switch {
	case p.avgFetch > p.cfg.SlowFetchThreshold && p.lookAhead > minLookAhead:
		p.lookAhead = max(minLookAhead, p.lookAhead/2)
		p.log.Info("fetches slow, shrinking look-ahead", "avg", p.avgFetch, "lookAhead", p.lookAhead)
	case p.avgFetch < p.cfg.SlowFetchThreshold/2 && p.lookAhead < p.cfg.LookAhead:
		p.lookAhead++
	}
}

// LookAhead returns the effective look-ahead window.
func (p *Prefetcher) LookAhead() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookAhead
}

// SetLookAhead changes the configured look-ahead window. In adaptive mode
// it is the ceiling the window grows back to.
func (p *Prefetcher) SetLookAhead(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.LookAhead = n
	if !p.cfg.Adaptive || p.lookAhead > n {
		p.lookAhead = n
	}
}

// Stats returns a snapshot of prefetcher counters.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Sources = len(p.sources)
	st.Queued = len(p.queue)
	st.InFlight = len(p.inflight)
	st.AvgFetchMs = float64(p.avgFetch) / float64(time.Millisecond)
	st.LookAhead = p.lookAhead
	return st
}

func failAll(items []*item, err error) {
	for _, it := range items {
		res := Result{SourceID: it.key.sourceID, FrameNumber: it.key.frame, Err: err}
		for _, cb := range it.callbacks {
			cb(res)
		}
	}
}
