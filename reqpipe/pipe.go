// Package reqpipe implements a transport-agnostic request/response pipe: an
// in-process correlation, admission, retry, timeout and flush primitive
// sitting between a caller's Send calls and a pair of user-supplied
// Sender/Receiver hooks.
//
// A Pipe owns no transport of its own. Callers register a Sender to push
// outbound envelopes to whatever wire the caller chooses, and obtain a
// Receiver handle to feed inbound replies back in. Everything in between —
// id allocation, admission against MaxPending, FIFO queueing, per-attempt
// timeouts, retries, and an orderly flush/drain — is the pipe's job.
package reqpipe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"log/slog"

	"github.com/goware/channel"
)

// Envelope is the correlation unit crossing the pipe boundary in both
// directions. The pipe never inspects Message.
type Envelope struct {
	ID      uint64
	Message any
}

// Sender delivers an outbound envelope to a transport. A returned error is
// treated as a rejected dispatch and routed to the retry engine; a nil
// return only acknowledges dispatch, it is NOT the reply (spec §4.2) — the
// reply arrives later through the Receiver handle.
type Sender func(ctx context.Context, env Envelope) error

// Receiver is the inbound handle a transport invokes when a reply for env.ID
// arrives. Obtained from Pipe.Receiver().
type Receiver func(ctx context.Context, env Envelope)

// DrainEvent is published on the channel returned by Pipe.Drained() after
// every lifecycle event (send, promote, retry, resolve, timeout,
// retries-exhausted, flush start and flush done), carrying the set sizes at
// that moment. This is additive observability layered on top of
// the core state machine; Flush never depends on anyone reading it.
type DrainEvent struct {
	Pending int
	Queued  int
}

// record is a single live request. Owned by the pipe while Queued or
// Pending; dropped on its terminal transition (spec §3).
type record struct {
	id         uint64
	ctx        context.Context
	message    any
	future     *Future
	retryCount int
	attempt    int // bumped on every (re)dispatch; guards against stale timer/sender-result races
	timer      *time.Timer
	phase      phase
}

type phase int

const (
	phaseQueued phase = iota
	phasePending
)

// Pipe is the correlation/admission/retry/timeout/flush state machine
// described by the source specification. All exported methods are safe for
// concurrent use: a single mutex serializes every state transition, which is
// the Go rendering of spec §5's single-logical-executor invariant.
type Pipe struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sender   Sender
	nextID   uint64
	pending  map[uint64]*record
	queue    []*record
	flushing bool
	flushRes *Future

	drainCh   channel.Channel[DrainEvent]
	observers []PipeObserver
}

// NewPipe constructs a Pipe. Passing no options applies DefaultOptions,
// matching ethkit's NewMonitor(provider, options ...Options) convention.
func NewPipe(options ...Options) (*Pipe, error) {
	opts := DefaultOptions
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Logger == nil {
		opts.Logger = DefaultOptions.Logger
	}
	if opts.Alerter == nil {
		opts.Alerter = DefaultOptions.Alerter
	}
	if err := opts.IsValid(); err != nil {
		return nil, err
	}

	return &Pipe{
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[uint64]*record),
		queue:   make([]*record, 0, opts.MaxPending),
		drainCh: channel.NewUnboundedChan[DrainEvent](2, 1000, channel.Options{
			Logger:  opts.Logger,
			Alerter: opts.Alerter,
			Label:   "reqpipe:drained",
		}),
	}, nil
}

// Sender registers the outbound callable, replacing any previous
// registration (spec §4.6).
func (p *Pipe) Sender(fn Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = fn
}

// Receiver returns the inbound callable handle bound to this pipe (spec
// §4.2). Calling it more than once is harmless; every handle routes into the
// same pipe state.
func (p *Pipe) Receiver() Receiver {
	return func(ctx context.Context, env Envelope) {
		p.onReply(ctx, env)
	}
}

// Observe registers a PipeObserver that receives best-effort notice of every
// lifecycle event the coordinator raises. Additive instrumentation hook; see
// reqpipemetrics for a concrete Prometheus-backed implementation.
func (p *Pipe) Observe(o PipeObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Drained returns a channel that receives a DrainEvent after every
// lifecycle event the pipe notifies observers of, not only completion events
// (resolve, timeout, retries-exhausted). Purely additive
// observability; nothing about Flush depends on this channel being read.
func (p *Pipe) Drained() <-chan DrainEvent {
	return p.drainCh.ReadChannel()
}

// Send admits message into the pipe and returns a Future that resolves with
// the matching reply, or fails with a taxonomised error (spec §4.1).
//
// A nil message is a no-op: no record is created, no future is produced, and
// (nil, nil) is returned — the Go rendering of the source spec's
// "absent/empty message" no-op path (scenario 2: send(), send(null),
// send(undefined)).
func (p *Pipe) Send(ctx context.Context, message any) (*Future, error) {
	if message == nil {
		return nil, nil
	}

	p.mu.Lock()

	if p.flushing {
		p.mu.Unlock()
		fut := newFuture()
		fut.reject(&FlushError{})
		return fut, nil
	}

	if p.sender == nil {
		p.mu.Unlock()
		p.opts.Alerter.Alert(ctx, "reqpipe: send called with no sender registered")
		return nil, &ConfigError{msg: "send called with no sender registered"}
	}

	id := p.nextID
	p.nextID++

	rec := &record{
		id:      id,
		ctx:     ctx,
		message: message,
		future:  newFuture(),
		phase:   phaseQueued,
	}
	p.queue = append(p.queue, rec)
	p.notify(func(o PipeObserver) { o.OnSend(id) })

	p.tryPromote()
	p.mu.Unlock()

	return rec.future, nil
}

// Flush drains both the pending and queued sets and resolves its returned
// future once both are empty (spec §4.5). Queued records keep promoting to
// pending while flushing; only new Send calls are rejected from the moment
// Flush is called onward.
func (p *Pipe) Flush(ctx context.Context) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flushing {
		return nil, ErrAlreadyFlushing
	}

	p.flushing = true
	fut := newFuture()

	if len(p.pending)+len(p.queue) == 0 {
		fut.resolve(nil)
		p.notify(func(o PipeObserver) { o.OnFlushDone() })
		return fut, nil
	}

	p.flushRes = fut
	p.notify(func(o PipeObserver) { o.OnFlushStart() })
	return fut, nil
}

// IsIdle reports whether both the pending and queued sets are empty.
func (p *Pipe) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0 && len(p.queue) == 0
}

// Pending returns the current size of the pending set.
func (p *Pipe) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Queued returns the current size of the queue.
func (p *Pipe) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// AtMaxPending reports whether the pending set is at capacity.
func (p *Pipe) AtMaxPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == p.opts.MaxPending
}

// Flushing reports whether the pipe is in flush/drain mode.
func (p *Pipe) Flushing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushing
}

// tryPromote admits queued records into the pending set while capacity
// allows (spec §4.2). Must be called with p.mu held.
func (p *Pipe) tryPromote() {
	// Flush is a drain, not a freeze (spec §4.5): queued records keep
	// promoting to pending while flushing, so this loop must not gate on
	// p.flushing. Send is the only place admission is refused once flushing.
	for len(p.pending) < p.opts.MaxPending && len(p.queue) > 0 {
		rec := p.queue[0]
		p.queue = p.queue[1:]

		rec.phase = phasePending
		p.pending[rec.id] = rec

		p.notify(func(o PipeObserver) { o.OnPromote(rec.id) })
		p.dispatch(rec)
	}

	// Check flush completion every time the sets could have emptied.
	p.maybeResolveFlush()
}

// dispatch invokes the sender for rec's current attempt and arms its timer.
// Must be called with p.mu held; the sender itself runs on its own goroutine
// so a slow or blocking Sender can never stall the coordinator.
func (p *Pipe) dispatch(rec *record) {
	rec.attempt++
	attempt := rec.attempt

	if p.opts.PendingTimeout > 0 {
		rec.timer = time.AfterFunc(p.opts.PendingTimeout, func() {
			p.onTimeout(rec.id, attempt)
		})
	}

	sender := p.sender
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error(fmt.Sprintf("reqpipe: panic in sender: %v\n%s", r, debug.Stack()))
				p.onSenderResult(rec.id, attempt, fmt.Errorf("reqpipe: sender panic: %v", r))
			}
		}()
		err := sender(rec.ctx, Envelope{ID: rec.id, Message: rec.message})
		if err != nil {
			p.onSenderResult(rec.id, attempt, err)
		}
		// A resolved/nil sender result only acknowledges dispatch; the
		// reply arrives via the Receiver path (spec §4.2).
	}()
}

// onSenderResult routes a sender rejection through the retry engine (spec
// §4.3).
func (p *Pipe) onSenderResult(id uint64, attempt int, sendErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.pending[id]
	if !ok || rec.phase != phasePending || rec.attempt != attempt {
		// Stale: the record already completed (resolved, timed out, or a
		// prior retry already moved it to a newer attempt) — discard.
		return
	}

	p.stopTimer(rec)

	if rec.retryCount < p.opts.MaxRetries {
		rec.retryCount++
		p.log.Warn(fmt.Sprintf("reqpipe: retrying request %d (retry %d of %d): %v", id, rec.retryCount, p.opts.MaxRetries, sendErr))
		p.notify(func(o PipeObserver) { o.OnRetry(id, rec.retryCount) })
		p.dispatch(rec)
		return
	}

	delete(p.pending, id)
	rec.future.reject(newSendError(id, rec.attempt, sendErr))
	p.notify(func(o PipeObserver) { o.OnSendError(id, sendErr) })
	p.tryPromote()
}

// onTimeout fires when a per-attempt timer expires (spec §4.4).
func (p *Pipe) onTimeout(id uint64, attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.pending[id]
	if !ok || rec.phase != phasePending || rec.attempt != attempt {
		// The record already resolved, errored, or moved to a newer
		// attempt before the timer fired — discard (spec §4.4 race).
		return
	}

	p.log.Warn(fmt.Sprintf("reqpipe: request %d timed out on attempt %d", id, attempt))
	delete(p.pending, id)
	rec.future.reject(&TimeoutError{ID: id})
	p.notify(func(o PipeObserver) { o.OnTimeout(id) })
	p.tryPromote()
}

// onReply handles an inbound envelope delivered through the Receiver handle
// (spec §4.2).
func (p *Pipe) onReply(ctx context.Context, env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.pending[env.ID]
	if !ok {
		// Late or duplicate delivery for an id no longer pending — silently
		// discarded per spec §3 I3.
		p.log.Warn(fmt.Sprintf("reqpipe: discarding reply for unknown/completed request %d", env.ID))
		return
	}

	p.stopTimer(rec)
	delete(p.pending, env.ID)
	// Observers hear of the resolve before the caller waiting on the
	// future can wake up.
	p.notify(func(o PipeObserver) { o.OnResolve(env.ID) })
	rec.future.resolve(env.Message)
	p.tryPromote()
}

// stopTimer cancels rec's timer on every exit path (spec §5 resource
// discipline). Must be called with p.mu held.
func (p *Pipe) stopTimer(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

// maybeResolveFlush resolves the outstanding flush future exactly once both
// sets have drained (spec §4.5). Must be called with p.mu held.
func (p *Pipe) maybeResolveFlush() {
	if !p.flushing || p.flushRes == nil {
		return
	}
	if len(p.pending)+len(p.queue) != 0 {
		return
	}
	fut := p.flushRes
	p.flushRes = nil
	fut.resolve(nil)
	p.notify(func(o PipeObserver) { o.OnFlushDone() })
}

// notify fans a lifecycle event out to every registered observer and to the
// drain channel. Must be called with p.mu held; observer calls are expected
// to be cheap and non-blocking (the contract reqpipemetrics follows).
func (p *Pipe) notify(fn func(PipeObserver)) {
	for _, o := range p.observers {
		fn(o)
	}
	p.drainCh.Send(DrainEvent{Pending: len(p.pending), Queued: len(p.queue)})
}
