package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentRequest(agentID string) string {
	return fmt.Sprintf("agent.%s.request", agentID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsTasks = "events.task.*"

	// TopicChannelSend accepts serialized envelopes from remote agents
	// for delivery through the channel fabric.
	TopicChannelSend = "channel.send"
)
