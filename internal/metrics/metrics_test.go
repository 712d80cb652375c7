package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("mydb", 3, 5, 8, 1)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("mydb")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats("mydb", 2, 4, 6, 0)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("mydb")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("mydb", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("mydb")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("mydb")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("mydb")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("mydb")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("mydb")
	c.PoolExhausted("mydb")
	c.PoolExhausted("mydb")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("mydb")); v != 3 {
		t.Errorf("expected exhausted=3, got %v", v)
	}
}

func TestSetPoolHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetPoolHealth("mydb", true)
	if v := getGaugeValue(c.poolHealth.WithLabelValues("mydb")); v != 1 {
		t.Errorf("expected health=1, got %v", v)
	}
	c.SetPoolHealth("mydb", false)
	if v := getGaugeValue(c.poolHealth.WithLabelValues("mydb")); v != 0 {
		t.Errorf("expected health=0, got %v", v)
	}
}

func TestRemovePool(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("mydb", 1, 2, 3, 0)
	c.SetPoolHealth("mydb", true)
	c.PoolExhausted("mydb")

	c.RemovePool("mydb")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "pool" && l.GetValue() == "mydb" {
					t.Errorf("metric %s still has mydb label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultiplePools(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("p1", 1, 0, 1, 0)
	c.UpdatePoolStats("p2", 2, 1, 3, 0)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("p1")); v != 1 {
		t.Errorf("expected p1 active=1, got %v", v)
	}
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("p2")); v != 2 {
		t.Errorf("expected p2 active=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("p1", 1, 0, 1, 0)
	c2.UpdatePoolStats("p1", 2, 0, 2, 0)

	if v := getGaugeValue(c1.connectionsActive.WithLabelValues("p1")); v != 1 {
		t.Errorf("c1 expected active=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsActive.WithLabelValues("p1")); v != 2 {
		t.Errorf("c2 expected active=2, got %v", v)
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("p1", 50*time.Millisecond)
	c.TransactionCompleted("p1", 100*time.Millisecond)

	if v := getCounterValue(c.transactionsTotal.WithLabelValues("p1")); v != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", v)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "doorman_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("p1", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "doorman_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionPinned("p1", "listen command")
	c.SessionPinned("p1", "listen command")
	c.SessionPinned("p1", "named prepared statement")

	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("p1", "listen command")); v != 2 {
		t.Errorf("expected listen pins=2, got %v", v)
	}
	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("p1", "named prepared statement")); v != 1 {
		t.Errorf("expected prepared stmt pins=1, got %v", v)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BackendReset("p1", true)
	c.BackendReset("p1", true)
	c.BackendReset("p1", false)

	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("p1", "success")); v != 2 {
		t.Errorf("expected reset success=2, got %v", v)
	}
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("p1", "failure")); v != 1 {
		t.Errorf("expected reset failure=1, got %v", v)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("p1")
	c.DirtyDisconnect("p1")

	if v := getCounterValue(c.dirtyDisconnects.WithLabelValues("p1")); v != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", v)
	}
}

func TestPreparedCacheCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PreparedCacheHit("p1")
	c.PreparedCacheHit("p1")
	c.PreparedCacheMiss("p1")
	c.PreparedCacheEviction("p1")

	if v := getCounterValue(c.preparedCacheHits.WithLabelValues("p1")); v != 2 {
		t.Errorf("expected hits=2, got %v", v)
	}
	if v := getCounterValue(c.preparedCacheMisses.WithLabelValues("p1")); v != 1 {
		t.Errorf("expected misses=1, got %v", v)
	}
	if v := getCounterValue(c.preparedCacheEvictions.WithLabelValues("p1")); v != 1 {
		t.Errorf("expected evictions=1, got %v", v)
	}
}

func TestDeferredBegin(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DeferredBegin("p1")
	c.DeferredBegin("p1")
	c.DeferredBegin("p1")

	if v := getCounterValue(c.deferredBeginTotal.WithLabelValues("p1")); v != 3 {
		t.Errorf("expected deferred begins=3, got %v", v)
	}
}
