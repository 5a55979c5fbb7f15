package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
)

func TestOverallAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]string
		want     string
	}{
		{"nothing observed", nil, OverallHealthy},
		{"all healthy", map[string]string{"a": Healthy, "b": Healthy}, OverallHealthy},
		{"one sick", map[string]string{"a": Healthy, "b": Unhealthy}, OverallDegraded},
		{"one timing out", map[string]string{"a": Healthy, "b": Timeout}, OverallDegraded},
		{"all down", map[string]string{"a": Errored, "b": Unhealthy}, OverallCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil, nil, Options{})
			for svc, status := range tt.statuses {
				m.Record(Check{Service: svc, Status: status})
			}
			if got := m.Overall().Status; got != tt.want {
				t.Errorf("Overall().Status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryWindowAndCap(t *testing.T) {
	m := New(nil, nil, Options{Window: time.Hour, MaxPerService: 5})
	base := time.Now()
	m.now = func() time.Time { return base }

	// Two checks that predate the window plus three inside it.
	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 30 * time.Minute, 20 * time.Minute, time.Minute} {
		m.Record(Check{Service: "tts", Status: Healthy, CheckedAt: base.Add(-age)})
	}
	if got := len(m.HistoryFor("tts")); got != 3 {
		t.Errorf("len(history) = %d, want 3 (window trim)", got)
	}

	for i := 0; i < 10; i++ {
		m.Record(Check{Service: "tts", Status: Healthy, CheckedAt: base})
	}
	if got := len(m.HistoryFor("tts")); got != 5 {
		t.Errorf("len(history) = %d, want 5 (ring cap)", got)
	}
}

func TestHeartbeatIngestion(t *testing.T) {
	ex := bus.NewExchange()
	m := New(nil, nil, Options{})
	ctx := context.Background()
	if err := m.Attach(ctx, ex.Connect("monitor")); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	svc := ex.Connect("devices")
	env, err := bus.New("devices", bus.TypeEvent, bus.HealthPayload{Service: "devices", Status: "online"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Publish(ctx, bus.HealthTopic("devices"), env); err != nil {
		t.Fatal(err)
	}

	checks := m.Services()
	if len(checks) != 1 || checks[0].Status != Healthy {
		t.Fatalf("Services() = %+v, want one healthy check for devices", checks)
	}

	// A solicitation on the check topic must not be counted as a heartbeat.
	probe, err := bus.New("monitor", bus.TypeRequest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Publish(ctx, bus.TopicHealthCheck, probe); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Services()); got != 1 {
		t.Errorf("Services() after solicitation = %d entries, want 1", got)
	}
}

func TestProbeClassification(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slowSrv.Close()

	m := New(nil, nil, Options{ProbeTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"200 is healthy", okSrv.URL, Healthy},
		{"500 is unhealthy", badSrv.URL, Unhealthy},
		{"deadline is timeout", slowSrv.URL, Timeout},
		{"refused is error", "http://127.0.0.1:1", Errored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := m.probe(ctx, Probe{Service: "x", URL: tt.url})
			if c.Status != tt.want {
				t.Errorf("probe(%s).Status = %q, want %q (error %q)", tt.url, c.Status, tt.want, c.Error)
			}
		})
	}
}
