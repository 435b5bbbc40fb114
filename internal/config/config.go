package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/joho/godotenv"
)

// Worker isolation modes.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

var ErrInvalidConfig = fmt.Errorf("invalid configuration")

var pinPattern = regexp.MustCompile(`^\d{8}$`)

var (
	// DeviceID is the Tuya device id of the grow light
	DeviceID string
	// DeviceKey is the local key of the grow light
	DeviceKey string
	// DeviceIP skips discovery when set
	DeviceIP string
	// DeviceVersion is the Tuya protocol version spoken by the device
	DeviceVersion string
	// AccessoryName is the HomeKit name of the grow light
	AccessoryName string
	// HomeKitPin is the 8 digit pairing code
	HomeKitPin string
	// HomeKitStorePath is where HomeKit pairings are kept
	HomeKitStorePath string
	// DatabasePath is the bitcask database holding the last known state
	DatabasePath string
	// MetricsAddr is the listen address of the Prometheus endpoint, empty to disable
	MetricsAddr string
	// MQTTBroker is the broker URL, empty to disable MQTT
	MQTTBroker string
	// MQTTTopic is the base topic for state and commands
	MQTTTopic string
	// MQTTUsername authenticates to the broker
	MQTTUsername string
	// MQTTPassword authenticates to the broker
	MQTTPassword string
	// WorkerIsolation selects how the device link worker is run
	WorkerIsolation string
	// Debug is a flag to enable debug logging
	Debug bool
)

// Load reads the configuration from a .env file, the environment and args
// (without the program name).
func Load(args []string) error {
	_ = godotenv.Load()

	DeviceID = os.Getenv("TUYA_DEVICE_ID")
	DeviceKey = os.Getenv("TUYA_DEVICE_KEY")
	DeviceIP = os.Getenv("TUYA_DEVICE_IP")
	DeviceVersion = getenv("TUYA_DEVICE_VERSION", "3.3")
	AccessoryName = getenv("ACCESSORY_NAME", "Grow Light")
	HomeKitPin = getenv("HOMEKIT_PIN", "00102003")
	HomeKitStorePath = getenv("HOMEKIT_STORE_PATH", "./homekit")
	DatabasePath = getenv("DATABASE_PATH", "./database")
	MetricsAddr = os.Getenv("METRICS_ADDR")
	MQTTBroker = os.Getenv("MQTT_BROKER")
	MQTTTopic = getenv("MQTT_TOPIC", "growlight")
	MQTTUsername = os.Getenv("MQTT_USERNAME")
	MQTTPassword = os.Getenv("MQTT_PASSWORD")
	WorkerIsolation = getenv("WORKER_ISOLATION", IsolationProcess)

	flags := flag.NewFlagSet("growlight", flag.ContinueOnError)
	debugFlag := flags.Bool("debug", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return errors.Wrapf(err, "parse flags")
	}

	Debug = *debugFlag || os.Getenv("DEBUG") == "true"

	return validate()
}

func validate() error {
	switch {
	case DeviceID == "":
		return errors.Wrapf(ErrInvalidConfig, "TUYA_DEVICE_ID is required")
	case len(DeviceKey) != 16:
		return errors.Wrapf(ErrInvalidConfig, "TUYA_DEVICE_KEY must be 16 characters")
	case !pinPattern.MatchString(HomeKitPin):
		return errors.Wrapf(ErrInvalidConfig, "HOMEKIT_PIN must be 8 digits")
	case WorkerIsolation != IsolationProcess && WorkerIsolation != IsolationGoroutine:
		return errors.Wrapf(ErrInvalidConfig, "WORKER_ISOLATION must be %q or %q", IsolationProcess, IsolationGoroutine)
	}

	return nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}

	return fallback
}
