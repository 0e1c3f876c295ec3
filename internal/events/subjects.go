package events

import (
	"fmt"
	"strings"
)

const (
	subjectRoot  = "device_communication"
	agentSegment = "raspberry"
)

func AgentEventsSubject(agentUUID string) string {
	return fmt.Sprintf("%s.%s.%s.events", subjectRoot, agentSegment, agentUUID)
}

func AgentAckSubject(agentUUID string) string {
	return AgentEventsSubject(agentUUID) + ".ack"
}

// AgentDeviceEventsSubject carries relay state changes reported by an agent.
func AgentDeviceEventsSubject(agentUUID string) string {
	return fmt.Sprintf("%s.%s.%s.device_events", subjectRoot, agentSegment, agentUUID)
}

func InverterProductionSubject(serial string) string {
	return fmt.Sprintf("%s.inverter.%s.production.update", subjectRoot, serial)
}

// ParseAgentSubject splits device_communication.raspberry.<uuid>.<kind...>
// into the agent uuid and the trailing kind ("events", "events.ack",
// "device_events").
func ParseAgentSubject(subject string) (agentUUID, kind string, ok bool) {
	parts := strings.SplitN(subject, ".", 4)
	if len(parts) != 4 || parts[0] != subjectRoot || parts[1] != agentSegment || parts[2] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
