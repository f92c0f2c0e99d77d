package types

// Stream family wire format: the payload pushed on the gateway's
// /connections WebSocket endpoint. Counters are cumulative per connection.

// StreamConnectionMetadata carries per-connection endpoint metadata.
type StreamConnectionMetadata struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	SniffHost       string `json:"sniffHost,omitempty"`
	DNSMode         string `json:"dnsMode,omitempty"`
	ProcessPath     string `json:"processPath,omitempty"`
}

// StreamConnection is one live connection in a stream snapshot. Chains are
// reported terminal-first by the gateway and reversed at the adapter
// boundary.
type StreamConnection struct {
	ID          string                   `json:"id"`
	Metadata    StreamConnectionMetadata `json:"metadata"`
	Upload      int64                    `json:"upload"`
	Download    int64                    `json:"download"`
	Start       string                   `json:"start"`
	Chains      []string                 `json:"chains"`
	Rule        string                   `json:"rule"`
	RulePayload string                   `json:"rulePayload"`
}

// StreamSnapshot is one full frame from the stream endpoint.
type StreamSnapshot struct {
	DownloadTotal int64              `json:"downloadTotal"`
	UploadTotal   int64              `json:"uploadTotal"`
	Connections   []StreamConnection `json:"connections"`
}

// Host returns the best available domain for a stream connection,
// preferring the sniffed hostname over the SNI/requested host.
func (c *StreamConnection) Host() string {
	if c.Metadata.SniffHost != "" {
		return c.Metadata.SniffHost
	}
	return c.Metadata.Host
}

// Poll family wire format: the response of the gateway's
// /v1/requests/recent endpoint. Counters are cumulative per request.

// PollRequest is one request entry from the poll endpoint.
type PollRequest struct {
	ID                 int64    `json:"id"`
	RemoteHost         string   `json:"remoteHost"`
	RemoteAddress      string   `json:"remoteAddress"`
	LocalAddress       string   `json:"localAddress"`
	InBytes            int64    `json:"inBytes"`
	OutBytes           int64    `json:"outBytes"`
	PolicyName         string   `json:"policyName"`
	OriginalPolicyName string   `json:"originalPolicyName,omitempty"`
	Rule               string   `json:"rule,omitempty"`
	Notes              []string `json:"notes,omitempty"`
	Completed          bool     `json:"completed"`
	Disconnected       bool     `json:"disconnected"`
	Failed             bool     `json:"failed"`
}

// Finished reports whether the gateway considers this request done.
func (r *PollRequest) Finished() bool {
	return r.Completed || r.Disconnected || r.Failed
}

// PollResponse is the full poll endpoint response.
type PollResponse struct {
	Requests []PollRequest `json:"requests"`
}

// AgentDelta is one pre-computed delta record pushed by an external agent
// over the HTTP ingestion path. Same shape as TrafficDelta with a
// client-supplied millisecond timestamp.
type AgentDelta struct {
	GatewayID   string   `json:"gatewayId"`
	Domain      string   `json:"domain"`
	IP          string   `json:"ip"`
	SourceIP    string   `json:"sourceIP"`
	Chains      []string `json:"chains,omitempty"`
	Rule        string   `json:"rule,omitempty"`
	RulePayload string   `json:"rulePayload,omitempty"`
	Upload      int64    `json:"uploadBytes"`
	Download    int64    `json:"downloadBytes"`
	Timestamp   int64    `json:"timestamp"`
}
