package worker

import (
	"encoding/json"

	"github.com/cybre/growlight-controller/internal/link"
)

// Data point ids of the myLumii A1909. Child lock (108) and smart on/off (109)
// exist on the device but neither the app nor the hardware react to them.
const (
	DPBrightness  = "2"
	DPTemperature = "103"
	DPHumidity    = "106"
	DPMode        = "107"
)

// Brightness range reported by the device schema.
const (
	MinBrightness  = 25
	MaxBrightness  = 100
	BrightnessStep = 25
)

// MalformedPayload is what the device sends in place of a status when its
// firmware fails to serialise one. It does not describe a state change.
const MalformedPayload = "json obj data unvalid"

// Mode selects which of the two lamps are powered.
type Mode string

const (
	ModeOff   Mode = "OFF"
	ModeVeg   Mode = "VEG"
	ModeBloom Mode = "BLOOM"
	ModeFull  Mode = "FULL"
)

// ModeFor is the inverse of Veg and Bloom.
func ModeFor(veg, bloom bool) Mode {
	switch {
	case veg && bloom:
		return ModeFull
	case veg:
		return ModeVeg
	case bloom:
		return ModeBloom
	default:
		return ModeOff
	}
}

func (m Mode) Veg() bool {
	return m == ModeVeg || m == ModeFull
}

func (m Mode) Bloom() bool {
	return m == ModeBloom || m == ModeFull
}

type Lamp string

const (
	LampVeg   Lamp = link.KeyVeg
	LampBloom Lamp = link.KeyBloom
)

// nextMode returns the mode that switches lamp to on while leaving the other
// lamp as it is in current. changed is false when lamp is already in that state.
func nextMode(current Mode, lamp Lamp, on bool) (Mode, bool) {
	veg, bloom := current.Veg(), current.Bloom()

	switch lamp {
	case LampVeg:
		if veg == on {
			return current, false
		}
		veg = on
	case LampBloom:
		if bloom == on {
			return current, false
		}
		bloom = on
	default:
		return current, false
	}

	return ModeFor(veg, bloom), true
}

// rawState mirrors the device data points by id.
type rawState map[string]interface{}

func defaultRawState() rawState {
	return rawState{
		DPBrightness:  100,
		DPMode:        string(ModeOff),
		DPHumidity:    0,
		DPTemperature: 0,
	}
}

// merge applies a partial update; data points missing from dps keep their value.
func (r rawState) merge(dps map[string]interface{}) {
	for dp, value := range dps {
		r[dp] = value
	}
}

func (r rawState) mode() Mode {
	s, _ := r[DPMode].(string)

	return Mode(s)
}

func (r rawState) number(dp string) float64 {
	switch v := r[dp].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// snapshot derives the canonical state. Receiving data means the device is
// reachable, so the snapshot is always connected.
func (r rawState) snapshot() link.Snapshot {
	mode := r.mode()

	return link.Snapshot{
		Brightness:  int(r.number(DPBrightness)),
		Veg:         mode.Veg(),
		Bloom:       mode.Bloom(),
		Humidity:    int(r.number(DPHumidity)),
		Temperature: r.number(DPTemperature) / 10,
		Connected:   true,
	}
}
