package bus

import "strings"

// Fixed topics in the alicia hierarchy.
const (
	TopicDiscoveryRegister   = "alicia/system/discovery/register"
	TopicDiscoveryUnregister = "alicia/system/discovery/unregister"
	TopicHealthCheck         = "alicia/system/health/check"
	TopicConfigRequest       = "alicia/config/request"
	TopicConfigGlobalRequest = "alicia/config/global/request"

	// TopicDeviceCommandRequest is where other services submit device
	// commands for queued execution, as an alternative to the HTTP API.
	TopicDeviceCommandRequest = "alicia/devices/command/request"

	// HealthWildcard matches every service heartbeat, including the
	// check-solicitation topic, which heartbeat consumers must skip.
	HealthWildcard = "alicia/system/health/+"
)

// HealthTopic returns the heartbeat topic for a service.
func HealthTopic(service string) string {
	return "alicia/system/health/" + service
}

// SecurityTopic returns the request topic for a security gateway operation
// (auth, encrypt, validate).
func SecurityTopic(op string) string {
	return "alicia/system/security/" + op
}

// SecurityResponseTopic returns the response topic paired with a security
// gateway operation.
func SecurityResponseTopic(op string) string {
	return "alicia/system/security/" + op + "_response"
}

// ConfigUpdateTopic returns the topic on which configuration changes for a
// service are pushed.
func ConfigUpdateTopic(service string) string {
	return "alicia/config/" + service + "/update"
}

// ConfigResponseTopic returns the topic on which the config service answers
// a requester.
func ConfigResponseTopic(requester string) string {
	return "alicia/config/" + requester + "/response"
}

// DeviceCommandTopic returns the control topic for a device.
func DeviceCommandTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/command"
}

// DeviceStatusTopic returns the topic a device reports status on.
func DeviceStatusTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/status"
}

// DeviceResponseTopic returns the topic a device answers commands on.
func DeviceResponseTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/response"
}

// CapabilityTopic returns the capability-addressed call topic. Capability
// names contain no slashes, so the whole topic is a single level and cannot
// be wildcard-matched; the device manager subscribes per known capability.
func CapabilityTopic(name string) string {
	return "capability:" + name
}

// VoiceTopic returns a voice pipeline topic for a stage (stt, ai, tts) and
// leg (request, response, error).
func VoiceTopic(stage, leg string) string {
	return "alicia/voice/" + stage + "/" + leg
}

// RouteTopic returns the topic on which the load balancer publishes routing
// decisions for a service.
func RouteTopic(service string) string {
	return "alicia/loadbalancer/route/" + service
}

// MatchTopic reports whether an MQTT topic filter matches a concrete topic.
// The filter may contain the single-level wildcard "+" and the multi-level
// wildcard "#" (final level only). Matching is per the MQTT specification:
// wildcards cover whole levels, never partial names.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
