package tuya

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventData
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventData:
		return "data"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Data is a status payload from the device. DPS holds the data points that
// changed; payloads that are not JSON are passed through verbatim in Raw.
type Data struct {
	DPS map[string]interface{}
	Raw string
}

type Event struct {
	Kind EventKind
	Data Data
	Err  error
}
