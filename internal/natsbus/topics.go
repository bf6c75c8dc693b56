package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsJob(jobID string) string {
	return fmt.Sprintf("events.job.%s", jobID)
}

func TopicEventsSwarmID(runID string) string {
	return fmt.Sprintf("events.swarm.%s", runID)
}

// TopicJobDispatch carries job ids handed to the worker pool.
const TopicJobDispatch = "jobs.dispatch"

const (
	TopicEventsAll   = "events.>"
	TopicEventsJobs  = "events.job.*"
	TopicEventsSwarm = "events.swarm.*"
)
