// Package reqpipetest provides an in-memory transport harness for testing
// code built on top of reqpipe.Pipe, grounded on the role ethkit/ethtest
// plays for the rest of the ethkit packages: a realistic, fully in-process
// stand-in dependency instead of a hand-rolled mock per test file.
package reqpipetest

import (
	"context"
	"sync"
	"time"

	"github.com/0xsequence/reqpipe/reqpipe"
)

// Harness wires a reqpipe.Sender directly to a reqpipe.Receiver, optionally
// injecting latency, rejection, or drop behaviour so tests can exercise the
// echo (spec §8 scenario 3), retry (scenario 6), and timeout (scenario 5)
// paths without a real transport.
type Harness struct {
	cfgMu sync.Mutex

	// Latency delays delivery of a reply after the sender accepts dispatch.
	// Zero means reply immediately, still asynchronously on its own
	// goroutine, to exercise the Queued path of scenario 4.
	Latency time.Duration

	// Reject, if non-nil, is returned by every Sender call instead of
	// dispatching (drives the retry engine, spec §4.3 / scenario 6).
	Reject error

	// Drop, if true, causes the sender to accept dispatch but never call
	// the receiver — used to exercise the timeout path (scenario 5).
	Drop bool

	receiver reqpipe.Receiver

	statsMu sync.Mutex
	sent    []reqpipe.Envelope
	attempt int
}

// NewHarness returns a Harness with default behaviour: immediate echo, no
// rejection, no drop.
func NewHarness() *Harness {
	return &Harness{}
}

// Bind attaches the harness to p: registers h as p's Sender and obtains p's
// Receiver handle to deliver replies back through.
func (h *Harness) Bind(p *reqpipe.Pipe) {
	h.receiver = p.Receiver()
	p.Sender(h.Send)
}

// Send implements reqpipe.Sender.
func (h *Harness) Send(ctx context.Context, env reqpipe.Envelope) error {
	h.statsMu.Lock()
	h.sent = append(h.sent, env)
	h.attempt++
	h.statsMu.Unlock()

	h.cfgMu.Lock()
	reject := h.Reject
	drop := h.Drop
	latency := h.Latency
	h.cfgMu.Unlock()

	if reject != nil {
		return reject
	}
	if drop {
		return nil
	}

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		h.receiver(ctx, env)
	}()
	return nil
}

// Attempts returns the number of times Send has been invoked, across all
// envelopes and retries.
func (h *Harness) Attempts() int {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.attempt
}

// Sent returns a copy of every envelope the harness has observed.
func (h *Harness) Sent() []reqpipe.Envelope {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := make([]reqpipe.Envelope, len(h.sent))
	copy(out, h.sent)
	return out
}
