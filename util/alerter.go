// Package util holds small cross-cutting helpers shared by reqpipe and its
// surrounding tooling that don't belong to any single package.
package util

import "context"

// Alerter is a best-effort side channel for conditions a Pipe wants to
// surface loudly (e.g. a misconfigured pipe dispatching with no sender)
// without making them part of the Send/Flush error contract.
type Alerter interface {
	Alert(ctx context.Context, format string, v ...interface{})
}

// NoopAlerter discards every alert. It is the default for Options.Alerter.
func NoopAlerter() Alerter {
	return noopAlerter{}
}

type noopAlerter struct{}

func (noopAlerter) Alert(ctx context.Context, format string, v ...interface{}) {}
