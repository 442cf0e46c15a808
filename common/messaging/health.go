package messaging

import (
	"context"
	"time"
)

// Core instances answer on healthSubject through ServeHealth. When none is
// subscribed yet, a "no responders" reply still proves a round trip to the
// server.
const (
	healthSubject = "_FAULTLINE.health"
	healthQueue   = "faultline-health"
)

// HealthStatus is the broker section of the health endpoint.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	LatencyMS int64  `json:"latency_ms"`
	Responder string `json:"responder,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServeHealth answers health requests with instanceID. Instances share one
// queue group, so each request gets a single reply.
func ServeHealth(client Client, instanceID string) (Subscription, error) {
	return client.QueueSubscribe(healthSubject, healthQueue, func(ctx context.Context, msg *Message) error {
		if msg.Reply == "" {
			return nil
		}
		return client.Publish(ctx, msg.Reply, []byte(instanceID))
	})
}

// CheckHealth reports whether client is connected and measures one request round trip.
func CheckHealth(ctx context.Context, client Client) HealthStatus {
	if client == nil {
		return HealthStatus{Error: "messaging disabled"}
	}
	if !client.IsConnected() {
		return HealthStatus{Error: "not connected to message broker"}
	}

	start := time.Now()
	resp, err := client.Request(ctx, healthSubject, nil, time.Second)
	status := HealthStatus{Connected: client.IsConnected(), LatencyMS: time.Since(start).Milliseconds()}
	if err == nil && resp != nil {
		status.Responder = string(resp.Data)
	}
	if !status.Connected && err != nil {
		status.Error = "health check failed: " + err.Error()
	}
	return status
}
