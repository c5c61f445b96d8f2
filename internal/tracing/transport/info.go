package transport

import (
	"context"
	"fmt"
)

// AgentInfo describes the collector, as reported by GET /info
type AgentInfo struct {
	Version       string   `json:"version"`
	Endpoints     []string `json:"endpoints"`
	ClientDropP0s bool     `json:"client_drop_p0s"`
}

// SupportsTraces reports whether the collector lists the traces endpoint.
// An empty endpoint list is taken as support.
func (i *AgentInfo) SupportsTraces() bool {
	if len(i.Endpoints) == 0 {
		return true
	}
	for _, e := range i.Endpoints {
		if e == TracesPath || e == TracesPath+"/" {
			return true
		}
	}
	return false
}

// Info queries the collector's version and endpoints
func (c *Client) Info(ctx context.Context) (*AgentInfo, error) {
	info := &AgentInfo{}
	resp, err := c.info.R().
		SetContext(ctx).
		SetResult(info).
		Get(InfoPath)
	if err != nil {
		return nil, fmt.Errorf("query agent info: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return info, nil
}
