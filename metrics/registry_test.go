package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/emberhttpd/ember/api"
)

func TestObserveErrorIncrementsLabelledCounter(t *testing.T) {
	r := New()
	r.ObserveError(api.CodeConnTimeout)
	r.ObserveError(api.CodeConnTimeout)
	r.ObserveError(api.CodeMalformed)

	got := testutil.ToFloat64(r.errorsByCode.WithLabelValues(api.CodeConnTimeout.String()))
	if got != 2 {
		t.Fatalf("expected 2 observations for connection_timeout, got %v", got)
	}
}

func TestGathererExposesRegisteredCollectors(t *testing.T) {
	r := New()
	r.ActiveConnections.Set(3)

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "ember_active_connections" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ember_active_connections metric family to be registered")
	}
}
