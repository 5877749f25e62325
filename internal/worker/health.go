package worker

import "context"

// RedisHealth is the broker connectivity part of a worker health report.
type RedisHealth struct {
	Connected bool `json:"connected"`
}

// Health reports broker connectivity and configuration without executing any
// work; the worker liveness endpoint serves it.
type Health struct {
	Healthy     bool        `json:"healthy"`
	Redis       RedisHealth `json:"redis"`
	QueueName   string      `json:"queueName"`
	Concurrency int         `json:"concurrency"`
	Issues      []string    `json:"issues,omitempty"`
}

// HealthCheck pings the broker and reports the pool's configuration.
func (p *Pool) HealthCheck(ctx context.Context, concurrency int) Health {
	h := Health{
		QueueName:   p.broker.Name(),
		Concurrency: concurrency,
	}
	if err := p.broker.Ping(ctx); err != nil {
		h.Issues = append(h.Issues, err.Error())
		return h
	}
	h.Redis.Connected = true
	h.Healthy = true
	return h
}
