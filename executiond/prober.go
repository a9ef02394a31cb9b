package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/labos-labs/labos-go/internal/execution/incident"
)

// adapterProbe is one health endpoint the incident sweep checks.
type adapterProbe struct {
	adapterID string
	healthURL string
}

// adapterProber probes each configured bridge's health endpoint. A
// connection failure reads as unreachable; a non-2xx answer as degraded.
type adapterProber struct {
	client *resty.Client
	probes []adapterProbe
}

func newAdapterProber(timeout time.Duration, probes []adapterProbe) *adapterProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &adapterProber{
		client: resty.New().SetTimeout(timeout),
		probes: probes,
	}
}

func (p *adapterProber) Probe(ctx context.Context) []incident.AdapterHealth {
	out := make([]incident.AdapterHealth, 0, len(p.probes))
	for _, probe := range p.probes {
		out = append(out, p.probeOne(ctx, probe))
	}
	return out
}

func (p *adapterProber) probeOne(ctx context.Context, probe adapterProbe) incident.AdapterHealth {
	resp, err := p.client.R().SetContext(ctx).Get(probe.healthURL)
	if err != nil {
		return incident.AdapterHealth{
			AdapterID: probe.adapterID,
			Status:    "unreachable",
			Message:   err.Error(),
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return incident.AdapterHealth{
			AdapterID: probe.adapterID,
			Status:    "degraded",
			Message:   fmt.Sprintf("health endpoint returned %d", resp.StatusCode()),
		}
	}
	return incident.AdapterHealth{AdapterID: probe.adapterID, Status: "healthy"}
}

func healthURLFor(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/healthz"
}
