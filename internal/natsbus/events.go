package natsbus

import (
	"encoding/json"
	"time"
)

// Event is the envelope published on events.* topics and relayed to
// websocket clients.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SwarmID   string         `json:"swarm_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is the subset of Client that event producers need.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// PublishJobEvent publishes a job event stamped with the job's owner so
// subscribers can filter by tenant and user.
func PublishJobEvent(p Publisher, jobID, tenantID, userID, eventType string, data map[string]any) {
	publish(p, TopicEventsJob(jobID), Event{
		Type:     eventType,
		JobID:    jobID,
		TenantID: tenantID,
		UserID:   userID,
		Data:     data,
	})
}

func PublishSwarmEvent(p Publisher, runID, eventType string, data map[string]any) {
	publish(p, TopicEventsSwarmID(runID), Event{Type: eventType, SwarmID: runID, Data: data})
}

func publish(p Publisher, topic string, ev Event) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = p.Publish(topic, payload)
}
