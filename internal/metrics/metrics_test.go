package metrics

import "testing"

func TestNewRegistersAllCollectors(t *testing.T) {
	r := New()

	r.BlockConnectDuration.WithLabelValues("ok").Observe(0.01)
	r.BlockDisconnectTotal.Inc()
	r.SwapsByState.WithLabelValues("pending").Set(1)
	r.SwapCreatedTotal.Inc()
	r.SwapClaimedTotal.Inc()
	r.SwapCancelledTotal.Inc()
	r.L1RPCLatency.WithLabelValues("getrawtransaction").Observe(0.05)
	r.L1RPCErrorsTotal.WithLabelValues("getrawtransaction").Inc()
	r.L1ObserverTickDuration.Observe(0.02)
	r.ReconstructionsTotal.Inc()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after recording observations")
	}
}
