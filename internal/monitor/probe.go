package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alicia-home/alicia/internal/httpkit"
)

// Probe names an HTTP health endpoint the monitor polls directly, for
// services whose liveness matters beyond their bus heartbeat.
type Probe struct {
	Service string
	URL     string
}

// probeClient is shared across cycles so connections are pooled. The overall
// request timeout is left to the per-probe context.
var probeClient = httpkit.NewClient(httpkit.WithTimeout(0))

// probe performs one HTTP liveness check and classifies the outcome:
// healthy (2xx), unhealthy (any other status), timeout (deadline hit), or
// error (transport failure).
func (m *Monitor) probe(ctx context.Context, p Probe) Check {
	c := Check{Service: p.Service, Source: "probe", CheckedAt: m.now()}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, p.URL, nil)
	if err != nil {
		c.Status = Errored
		c.Error = err.Error()
		return c
	}

	start := time.Now()
	resp, err := probeClient.Do(req)
	c.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	switch {
	case err != nil && pctx.Err() == context.DeadlineExceeded:
		c.Status = Timeout
		c.Error = fmt.Sprintf("no response within %s", m.opts.ProbeTimeout)
	case err != nil:
		c.Status = Errored
		c.Error = err.Error()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.Status = Healthy
	default:
		c.Status = Unhealthy
		c.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	if resp != nil {
		httpkit.DrainAndClose(resp.Body, 4096)
	}
	return c
}
