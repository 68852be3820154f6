package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const processesMetric = "procctl_agent_processes"

// ScrapeProcesses reads the agent's live process count from its /metrics.
func ScrapeProcesses(ctx context.Context, client *http.Client, endpoint string) (int, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/metrics", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http status %d", resp.StatusCode)
	}

	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return 0, fmt.Errorf("decode error: %w", err)
		}
		if mf.GetName() != processesMetric {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetGauge().GetValue()
		}
		return int(total), nil
	}
	return 0, fmt.Errorf("%s not exported by %s", processesMetric, endpoint)
}

// Leaked reports how many processes are still alive on the agent. Called
// after teardown, anything non-zero is a leak.
func (c *Controller) Leaked(ctx context.Context) (int, error) {
	return ScrapeProcesses(ctx, nil, c.cfg.Discovery.Address())
}
