package types

// Gateway configuration snapshot: the proxy/rule topology pushed by
// out-of-band agents and cached last-write-wins in the realtime store.

// GatewayRule is one routing rule in a snapshot.
type GatewayRule struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Proxy   string `json:"proxy"`
	Raw     string `json:"raw,omitempty"`
}

// GatewayProxy is one proxy/selector node in a snapshot.
type GatewayProxy struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Now  string `json:"now,omitempty"`
}

// GatewayProvider groups proxies supplied by one provider.
type GatewayProvider struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Proxies []GatewayProxy `json:"proxies"`
}

// GatewayConfigSnapshot is the full topology snapshot for one gateway.
type GatewayConfigSnapshot struct {
	GatewayID string                     `json:"gatewayId"`
	Rules     []GatewayRule              `json:"rules"`
	Proxies   map[string]GatewayProxy    `json:"proxies"`
	Providers map[string]GatewayProvider `json:"providers"`
	Timestamp int64                      `json:"timestamp"`
	Hash      string                     `json:"hash"`
}
