package reqpipemetrics_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reqpipe/reqpipe"
	"github.com/0xsequence/reqpipe/reqpipe/reqpipemetrics"
	"github.com/0xsequence/reqpipe/reqpipe/reqpipetest"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return total
	}
	return 0
}

func TestRecorderCountsLifecycleEvents(t *testing.T) {
	p, err := reqpipe.NewPipe()
	require.NoError(t, err)

	rec := reqpipemetrics.New()
	p.Observe(rec)

	h := reqpipetest.NewHarness()
	h.Bind(p)

	ctx := context.Background()
	fut, err := p.Send(ctx, "ping")
	require.NoError(t, err)
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1), counterValue(t, rec.Registry(), "reqpipe_sends_total"))
	assert.Equal(t, float64(1), counterValue(t, rec.Registry(), "reqpipe_promotes_total"))
	assert.Equal(t, float64(1), counterValue(t, rec.Registry(), "reqpipe_resolves_total"))
	assert.Equal(t, float64(0), counterValue(t, rec.Registry(), "reqpipe_pending"))
	assert.Equal(t, float64(0), counterValue(t, rec.Registry(), "reqpipe_queued"))
}

func TestRecorderInstanceIsUnique(t *testing.T) {
	a := reqpipemetrics.New()
	b := reqpipemetrics.New()
	assert.NotEqual(t, a.Instance(), b.Instance())
}
