package state

// Event topics published on the store's event bus. Dashboard clients receive
// them verbatim as the "type" field of WebSocket messages, so the strings are
// part of the external contract.
const (
	TopicSensorUpdate   = "sensor_update"
	TopicDetection      = "detection"
	TopicDeviceUpdate   = "device_update"
	TopicAlertChange    = "alert_change"
	TopicGsmUpdate      = "gsm_update"
	TopicManualTrigger  = "manual_trigger"
	TopicHazardDetected = "hazard_detected"
)

// Event is one bus emission: a topic plus its JSON-marshallable payload,
// stamped when the mutation happened.
type Event struct {
	Topic     string  `json:"type"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// subscriber is a registered callback. Callbacks run synchronously inside the
// emitting operation's entity lock, so they must return quickly and must not
// mutate the entity whose event they are handling; anything heavier belongs
// on the subscriber's own goroutine.
type subscriber struct {
	id int
	fn func(Event)
}
