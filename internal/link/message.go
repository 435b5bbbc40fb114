package link

import (
	"encoding/json"
	"fmt"

	"github.com/cybre/growlight-controller/internal/errors"
)

var ErrPayloadType = fmt.Errorf("message payload has unexpected type")

type Type string

const (
	TypeInfo       Type = "info"
	TypeWarn       Type = "warn"
	TypeError      Type = "error"
	TypeNewData    Type = "newData"
	TypeConnection Type = "connection"
	TypeSet        Type = "set"
)

// Keys accepted by set messages.
const (
	KeyVeg        = "veg"
	KeyBloom      = "bloom"
	KeyBrightness = "brightness"
)

// Snapshot is the canonical, protocol independent state of the grow light.
type Snapshot struct {
	Brightness  int     `json:"brightness"`
	Veg         bool    `json:"veg"`
	Bloom       bool    `json:"bloom"`
	Humidity    int     `json:"humidity"`
	Temperature float64 `json:"temperature"`
	Connected   bool    `json:"connected"`
}

// DefaultSnapshot is the state assumed before the device has reported anything.
func DefaultSnapshot() Snapshot {
	return Snapshot{Brightness: 100}
}

// Message is exchanged between a worker and its supervisor in both directions.
// Worker messages carry their payload in Message, set commands use Key and Value.
type Message struct {
	Type    Type            `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func Info(text string) Message {
	return newMessage(TypeInfo, text)
}

func Warn(text string) Message {
	return newMessage(TypeWarn, text)
}

func Error(text string) Message {
	return newMessage(TypeError, text)
}

func NewData(s Snapshot) Message {
	return newMessage(TypeNewData, s)
}

func Connection(connected bool) Message {
	return newMessage(TypeConnection, connected)
}

func Set(key string, value interface{}) Message {
	return Message{
		Type:  TypeSet,
		Key:   key,
		Value: mustMarshal(value),
	}
}

func newMessage(t Type, payload interface{}) Message {
	return Message{
		Type:    t,
		Message: mustMarshal(payload),
	}
}

// mustMarshal only ever sees strings, bools, ints and Snapshots.
func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return b
}

func (m Message) Text() (string, error) {
	var s string
	if err := m.decode(m.Message, &s); err != nil {
		return "", err
	}

	return s, nil
}

func (m Message) Snapshot() (Snapshot, error) {
	var s Snapshot
	if err := m.decode(m.Message, &s); err != nil {
		return Snapshot{}, err
	}

	return s, nil
}

func (m Message) Connected() (bool, error) {
	var b bool
	if err := m.decode(m.Message, &b); err != nil {
		return false, err
	}

	return b, nil
}

func (m Message) BoolValue() (bool, error) {
	var b bool
	if err := m.decode(m.Value, &b); err != nil {
		return false, err
	}

	return b, nil
}

// IntValue accepts any JSON number and truncates it.
func (m Message) IntValue() (int, error) {
	var f float64
	if err := m.decode(m.Value, &f); err != nil {
		return 0, err
	}

	return int(f), nil
}

func (m Message) decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.Wrapf(ErrPayloadType, "%s message has no payload", m.Type)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(ErrPayloadType, "%s message: %s", m.Type, err)
	}

	return nil
}

// String renders the payload for log output.
func (m Message) String() string {
	if m.Type == TypeSet {
		return string(m.Type) + " " + m.Key + "=" + string(m.Value)
	}

	return string(m.Type) + " " + string(m.Message)
}
