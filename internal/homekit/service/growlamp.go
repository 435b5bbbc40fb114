package service

import (
	"github.com/brutella/hap/characteristic"
	hapservice "github.com/brutella/hap/service"
)

const TypeLightbulb = "43"

// BrightnessStep is the only brightness granularity the lamps support.
const BrightnessStep = 25

// GrowLamp is one of the two lamps of a grow light. Both lamps share a
// single brightness on the device.
type GrowLamp struct {
	*hapservice.S

	Name       *characteristic.Name
	On         *characteristic.On
	Brightness *characteristic.Brightness
}

func NewGrowLamp(name string) *GrowLamp {
	s := GrowLamp{}
	s.S = hapservice.New(TypeLightbulb)

	s.Name = characteristic.NewName()
	s.Name.SetValue(name)
	s.AddC(s.Name.C)

	s.On = characteristic.NewOn()
	s.AddC(s.On.C)

	s.Brightness = characteristic.NewBrightness()
	s.Brightness.SetStepValue(BrightnessStep)
	s.AddC(s.Brightness.C)

	return &s
}
