// Package reqpipemetrics is an optional, separately-importable Prometheus
// recorder for reqpipe.Pipe. The core reqpipe package never imports this
// one — Recorder only depends on reqpipe.PipeObserver, the same decoupling
// ethkit keeps between its core components and util.Alerter.
package reqpipemetrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/goware/breaker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xsequence/reqpipe/reqpipe"
)

var _ reqpipe.PipeObserver = (*Recorder)(nil)

// Recorder implements reqpipe.PipeObserver and exposes the recorded
// counters/gauges on its private prometheus.Registry, returned by Registry.
type Recorder struct {
	instance string

	registry *prometheus.Registry

	sendsTotal       prometheus.Counter
	promotesTotal    prometheus.Counter
	resolvesTotal    prometheus.Counter
	timeoutsTotal    prometheus.Counter
	retriesTotal     prometheus.Counter
	sendErrorsTotal  prometheus.Counter
	flushesStarted   prometheus.Counter
	flushesCompleted prometheus.Counter

	pending prometheus.Gauge
	queued  prometheus.Gauge
}

// New returns a Recorder with its own registry, so multiple Pipes in one
// process can each get their own Recorder without colliding on the default
// global registerer.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	instance := uuid.NewString()

	labels := prometheus.Labels{"pipe_instance": instance}

	r := &Recorder{
		instance: instance,
		registry: reg,
		sendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_sends_total",
			Help:        "Total Send calls admitted into the queue.",
			ConstLabels: labels,
		}),
		promotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_promotes_total",
			Help:        "Total requests promoted from Queued to Pending.",
			ConstLabels: labels,
		}),
		resolvesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_resolves_total",
			Help:        "Total requests resolved by a matching reply.",
			ConstLabels: labels,
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_timeouts_total",
			Help:        "Total requests rejected by the per-attempt timeout.",
			ConstLabels: labels,
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_retries_total",
			Help:        "Total retries issued after a sender rejection.",
			ConstLabels: labels,
		}),
		sendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_send_errors_total",
			Help:        "Total requests rejected after retries were exhausted.",
			ConstLabels: labels,
		}),
		flushesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_flushes_started_total",
			Help:        "Total Flush calls that had to wait for drain.",
			ConstLabels: labels,
		}),
		flushesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reqpipe_flushes_completed_total",
			Help:        "Total flushes resolved.",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reqpipe_pending",
			Help:        "Current size of the pending set.",
			ConstLabels: labels,
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reqpipe_queued",
			Help:        "Current size of the queue.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		r.sendsTotal,
		r.promotesTotal,
		r.resolvesTotal,
		r.timeoutsTotal,
		r.retriesTotal,
		r.sendErrorsTotal,
		r.flushesStarted,
		r.flushesCompleted,
		r.pending,
		r.queued,
	)

	return r
}

// Registry returns the Recorder's private prometheus registry, ready to be
// served via promhttp.HandlerFor or merged into a parent registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Instance returns the random id distinguishing this Recorder's series from
// any other Pipe's Recorder in the same process.
func (r *Recorder) Instance() string {
	return r.instance
}

// OnSend through OnSendError mirror the same Queued/Pending transitions
// Pipe itself makes, keeping the pending/queued gauges in step with its
// internal sets without the PipeObserver interface needing to carry set
// sizes on every event.
func (r *Recorder) OnSend(id uint64) {
	r.sendsTotal.Inc()
	r.queued.Inc()
}

func (r *Recorder) OnPromote(id uint64) {
	r.promotesTotal.Inc()
	r.queued.Dec()
	r.pending.Inc()
}

func (r *Recorder) OnResolve(id uint64) {
	r.resolvesTotal.Inc()
	r.pending.Dec()
}

func (r *Recorder) OnTimeout(id uint64) {
	r.timeoutsTotal.Inc()
	r.pending.Dec()
}

func (r *Recorder) OnRetry(id uint64, count int) { r.retriesTotal.Inc() }

func (r *Recorder) OnSendError(id uint64, cause error) {
	r.sendErrorsTotal.Inc()
	r.pending.Dec()
}

func (r *Recorder) OnFlushStart() { r.flushesStarted.Inc() }
func (r *Recorder) OnFlushDone()  { r.flushesCompleted.Inc() }

// PushFunc delivers the Recorder's current metric families to some external
// sink (e.g. a Prometheus Pushgateway), for deployments that scrape nothing
// and push instead.
type PushFunc func(ctx context.Context) error

// Push retries push with bounded exponential backoff via goware/breaker
// (500ms initial delay, factor 2, limit 3) —
// grounded on ethreceipts.getChainID's breaker.Do usage for a best-effort,
// non-critical remote call that's worth a few retries but must not block
// forever.
func (r *Recorder) Push(ctx context.Context, push PushFunc) error {
	return breaker.Do(ctx, func() error {
		return push(ctx)
	}, nil, 500*time.Millisecond, 2, 3)
}
