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

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func sampleCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			m := f.GetMetric()
			if len(m) == 0 {
				return 0
			}
			return m[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestConnectDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ConnectDuration(10 * time.Millisecond)
	c.ConnectDuration(20 * time.Millisecond)

	if got := sampleCount(t, reg, "pgwire_connect_duration_seconds"); got != 2 {
		t.Errorf("expected 2 samples, got %d", got)
	}
}

func TestAuthDurationByMechanism(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AuthDuration("scram-sha-256", 5*time.Millisecond)
	c.AuthDuration("md5", 1*time.Millisecond)

	families, _ := reg.Gather()
	var found int
	for _, f := range families {
		if f.GetName() == "pgwire_auth_duration_seconds" {
			found = len(f.GetMetric())
		}
	}
	if found != 2 {
		t.Errorf("expected 2 distinct mechanism label series, got %d", found)
	}
}

func TestQueryDurationByProtocol(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("simple", 100*time.Millisecond)
	c.QueryDuration("extended", 50*time.Millisecond)
	c.QueryDuration("extended", 60*time.Millisecond)

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() != "pgwire_query_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "protocol" && l.GetValue() == "extended" {
					if m.GetHistogram().GetSampleCount() != 2 {
						t.Errorf("expected 2 extended samples, got %d", m.GetHistogram().GetSampleCount())
					}
				}
			}
		}
	}
}

func TestQueryTimeoutsCounter(t *testing.T) {
	c, _ := newTestCollector(t)

	c.QueryTimeout()
	c.QueryTimeout()
	c.QueryTimeout()

	if v := getCounterValue(c.queryTimeouts); v != 3 {
		t.Errorf("expected 3 timeouts, got %v", v)
	}
}

func TestProtocolErrorsByKind(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ProtocolError("server_error")
	c.ProtocolError("server_error")
	c.ProtocolError("malformed_frame")

	if v := getCounterValue(c.protocolErrors.WithLabelValues("server_error")); v != 2 {
		t.Errorf("expected 2 server_error, got %v", v)
	}
	if v := getCounterValue(c.protocolErrors.WithLabelValues("malformed_frame")); v != 1 {
		t.Errorf("expected 1 malformed_frame, got %v", v)
	}
}

func TestNotificationsAndByteCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.NotificationReceived()
	c.NotificationReceived()
	c.BytesRead(128)
	c.BytesWritten(64)

	if v := getCounterValue(c.notificationsTotal); v != 2 {
		t.Errorf("expected 2 notifications, got %v", v)
	}
	if v := getCounterValue(c.bytesRead); v != 128 {
		t.Errorf("expected 128 bytes read, got %v", v)
	}
	if v := getCounterValue(c.bytesWritten); v != 64 {
		t.Errorf("expected 64 bytes written, got %v", v)
	}
}

func TestNewDoesNotConflictAcrossInstances(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.QueryTimeout()
	c2.QueryTimeout()
	c2.QueryTimeout()

	if v := getCounterValue(c1.queryTimeouts); v != 1 {
		t.Errorf("c1 expected 1 timeout, got %v", v)
	}
	if v := getCounterValue(c2.queryTimeouts); v != 2 {
		t.Errorf("c2 expected 2 timeouts, got %v", v)
	}
}
