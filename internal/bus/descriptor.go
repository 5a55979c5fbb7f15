package bus

// ServiceDescriptor announces a service instance on the discovery topics.
// The load balancer and the health monitor both key on it; Weight only
// matters under weighted routing.
type ServiceDescriptor struct {
	Name         string            `json:"name"`
	InstanceID   string            `json:"instance_id"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Weight       int               `json:"weight,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HealthPayload is the heartbeat body published on the per-service health
// topic. Status is "online" for a live service; the will message and
// graceful shutdown publish "offline".
type HealthPayload struct {
	Service           string  `json:"service"`
	InstanceID        string  `json:"instance_id"`
	Status            string  `json:"status"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	MessagesProcessed uint64  `json:"messages_processed"`
	Errors            uint64  `json:"errors"`
}
