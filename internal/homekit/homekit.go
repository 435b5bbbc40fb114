package homekit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/brutella/hap"
	hapaccessory "github.com/brutella/hap/accessory"
	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/homekit/accessory"
	"github.com/cybre/growlight-controller/internal/homekit/service"
	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/utils"
)

const (
	manufacturer = "myLumii"
	model        = "A1909"
)

// Controller is the device link behind the accessory.
type Controller interface {
	State() link.Snapshot
	IsAvailable() bool
	SetVeg(on bool)
	SetBloom(on bool)
	SetBrightness(brightness int)
}

// Bridge exposes a grow light as a HomeKit accessory.
type Bridge struct {
	Accessory  *accessory.GrowLight
	controller Controller
	logger     *slog.Logger
}

func NewBridge(name, serialNumber string, controller Controller, logger *slog.Logger) *Bridge {
	b := &Bridge{
		Accessory: accessory.NewGrowLight(hapaccessory.Info{
			Name:         name,
			SerialNumber: serialNumber,
			Manufacturer: manufacturer,
			Model:        model,
		}),
		controller: controller,
		logger:     logger,
	}

	a := b.Accessory

	a.Veg.On.OnValueRemoteUpdate(func(on bool) {
		b.setLamp(link.KeyVeg, on)
	})
	a.Veg.Brightness.OnValueRemoteUpdate(func(brightness int) {
		b.setBrightness(link.KeyVeg, brightness)
	})
	a.Bloom.On.OnValueRemoteUpdate(func(on bool) {
		b.setLamp(link.KeyBloom, on)
	})
	a.Bloom.Brightness.OnValueRemoteUpdate(func(brightness int) {
		b.setBrightness(link.KeyBloom, brightness)
	})

	a.Veg.On.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return s.Veg })
	a.Veg.Brightness.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return s.Brightness })
	a.Bloom.On.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return s.Bloom })
	a.Bloom.Brightness.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return s.Brightness })
	a.Humidity.CurrentRelativeHumidity.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return float64(s.Humidity) })
	a.Temperature.CurrentTemperature.ValueRequestFunc = b.read(func(s link.Snapshot) interface{} { return s.Temperature })

	a.IdentifyFunc = func(*http.Request) {
		b.Identify()
	}

	b.Sync(controller.State())

	return b
}

// RoundBrightness snaps a brightness to the nearest step the lamps support.
func RoundBrightness(brightness int) int {
	return utils.RoundToStep(brightness, service.BrightnessStep)
}

// Sync pushes s to every characteristic.
func (b *Bridge) Sync(s link.Snapshot) {
	a := b.Accessory

	a.Veg.On.SetValue(s.Veg)
	a.Bloom.On.SetValue(s.Bloom)

	for _, lamp := range []*service.GrowLamp{a.Veg, a.Bloom} {
		if err := lamp.Brightness.SetValue(s.Brightness); err != nil {
			b.logger.Warn("failed to sync brightness", slog.Int("brightness", s.Brightness), slog.Any("error", err))
		}
	}

	a.Humidity.CurrentRelativeHumidity.SetValue(float64(s.Humidity))
	a.Temperature.CurrentTemperature.SetValue(s.Temperature)
}

// Identify turns both lamps on. The previous state is not restored.
func (b *Bridge) Identify() {
	b.logger.Info("identify requested")

	b.controller.SetVeg(true)
	b.controller.SetBloom(true)
}

// Serve runs the HAP server until ctx is cancelled. Pairings are kept in storePath.
func (b *Bridge) Serve(ctx context.Context, storePath, pin string) error {
	fs := hap.NewFsStore(storePath)
	server, err := hap.NewServer(fs, b.Accessory.A)
	if err != nil {
		return errors.Wrapf(err, "create hap server")
	}
	server.Pin = pin

	if err := server.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "serve hap")
	}

	return nil
}

func (b *Bridge) setLamp(key string, on bool) {
	switch key {
	case link.KeyVeg:
		b.controller.SetVeg(on)
	case link.KeyBloom:
		b.controller.SetBloom(on)
	}
}

// setBrightness treats a brightness that snaps to zero as switching the lamp
// off; the device has no zero brightness.
func (b *Bridge) setBrightness(key string, brightness int) {
	rounded := RoundBrightness(brightness)
	if rounded == 0 {
		b.setLamp(key, false)
		return
	}

	b.controller.SetBrightness(rounded)
}

func (b *Bridge) read(value func(link.Snapshot) interface{}) func(*http.Request) (interface{}, int) {
	return func(*http.Request) (interface{}, int) {
		if !b.controller.IsAvailable() {
			b.logger.Warn("device not connected, returning no response")
			return nil, hap.JsonStatusServiceCommunicationFailure
		}

		return value(b.controller.State()), hap.JsonStatusSuccess
	}
}
