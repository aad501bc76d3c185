package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_ConnectionAcceptedIncrementsActiveAndTotal(t *testing.T) {
	c := New()
	c.ConnectionAccepted()
	c.ConnectionAccepted()

	if got := testutil.ToFloat64(c.ConnectionsActive); got != 2 {
		t.Errorf("ConnectionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ConnectionsTotal); got != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", got)
	}
}

func TestCollector_ConnectionClosedDecrementsActiveOnly(t *testing.T) {
	c := New()
	c.ConnectionAccepted()
	c.ConnectionClosed()

	if got := testutil.ToFloat64(c.ConnectionsActive); got != 0 {
		t.Errorf("ConnectionsActive = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.ConnectionsTotal); got != 1 {
		t.Errorf("ConnectionsTotal = %v, want 1 (closing must not undo the total)", got)
	}
}

func TestCollector_ConnectionRejectedIsLabeledByReason(t *testing.T) {
	c := New()
	c.ConnectionRejected("rate_limited")
	c.ConnectionRejected("rate_limited")
	c.ConnectionRejected("shutting_down")

	if got := testutil.ToFloat64(c.ConnectionsRejected.WithLabelValues("rate_limited")); got != 2 {
		t.Errorf("rate_limited rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ConnectionsRejected.WithLabelValues("shutting_down")); got != 1 {
		t.Errorf("shutting_down rejections = %v, want 1", got)
	}
}

func TestCollector_MessageCountersAreLabeledByChannel(t *testing.T) {
	c := New()
	c.MessagePublished("orders")
	c.MessageDelivered("orders")
	c.MessageDelivered("orders")
	c.MessageDeduped("prices")

	if got := testutil.ToFloat64(c.MessagesPublished.WithLabelValues("orders")); got != 1 {
		t.Errorf("published[orders] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.MessagesDelivered.WithLabelValues("orders")); got != 2 {
		t.Errorf("delivered[orders] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.MessagesDeduped.WithLabelValues("prices")); got != 1 {
		t.Errorf("deduped[prices] = %v, want 1", got)
	}
}
