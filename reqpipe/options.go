package reqpipe

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/0xsequence/reqpipe/util"
)

// DefaultOptions mirrors the zero-config defaults the source spec names in
// §6: maxPending=1, maxRetries=0, pendingTimeout disabled.
var DefaultOptions = Options{
	MaxPending:     1,
	MaxRetries:     0,
	PendingTimeout: 0,
	Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	Alerter:        util.NoopAlerter(),
}

// Options configures a Pipe. See spec §6 for the construction-option
// enumeration this mirrors field-for-field.
type Options struct {
	// MaxPending is the maximum number of requests the pipe admits to the
	// sender concurrently. Must be >= 1.
	MaxPending int

	// MaxRetries is the number of retries attempted per request after its
	// first attempt, i.e. total attempts <= MaxRetries+1. Must be >= 0.
	MaxRetries int

	// PendingTimeout bounds how long a single attempt may sit in the
	// pending set before it is timed out. Zero disables timeouts.
	PendingTimeout time.Duration

	// Logger receives diagnostic lines (discarded replies, retries,
	// timeouts). Never affects pipe semantics.
	Logger *slog.Logger

	// Alerter receives best-effort notice of conditions worth paging on,
	// such as Send being called with no Sender registered.
	Alerter util.Alerter
}

// IsValid checks the option values the source spec constrains (§6: maxPending
// >= 1, maxRetries >= 0, pendingTimeout >= 0).
func (o Options) IsValid() error {
	if o.MaxPending < 1 {
		return fmt.Errorf("reqpipe: MaxPending must be >= 1, got %d", o.MaxPending)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("reqpipe: MaxRetries must be >= 0, got %d", o.MaxRetries)
	}
	if o.PendingTimeout < 0 {
		return fmt.Errorf("reqpipe: PendingTimeout must be >= 0, got %v", o.PendingTimeout)
	}
	return nil
}
