package accessory

import (
	hapaccessory "github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hapservice "github.com/brutella/hap/service"
	"github.com/cybre/growlight-controller/internal/homekit/service"
)

type GrowLight struct {
	*hapaccessory.A
	Veg         *service.GrowLamp
	Bloom       *service.GrowLamp
	Humidity    *hapservice.HumiditySensor
	Temperature *hapservice.TemperatureSensor
}

func NewGrowLight(info hapaccessory.Info) *GrowLight {
	a := GrowLight{}
	a.A = hapaccessory.New(info, hapaccessory.TypeLightbulb)

	a.Veg = service.NewGrowLamp(info.Name + " Veg")
	a.AddS(a.Veg.S)

	a.Bloom = service.NewGrowLamp(info.Name + " Bloom")
	a.AddS(a.Bloom.S)

	a.Humidity = hapservice.NewHumiditySensor()
	a.Humidity.AddC(named(info.Name + " Humidity"))
	a.AddS(a.Humidity.S)

	a.Temperature = hapservice.NewTemperatureSensor()
	a.Temperature.AddC(named(info.Name + " Temperature"))
	a.AddS(a.Temperature.S)

	return &a
}

func named(name string) *characteristic.C {
	c := characteristic.NewName()
	c.SetValue(name)

	return c.C
}
