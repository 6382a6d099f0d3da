package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Driver     DriverConfig     `yaml:"driver"`
	Controller ControllerConfig `yaml:"controller"`
	Graduation GraduationConfig `yaml:"graduation"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Sensor     SensorConfig     `yaml:"sensor"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	GPIO       GPIOConfig       `yaml:"gpio"`
	Mock       MockConfig       `yaml:"mock"`
}

// DriverConfig contains the stepper pulse driver (G540 on a parallel port) parameters.
type DriverConfig struct {
	Port               string        `yaml:"port"`         // "devport", "gpio" or "mock"
	PortAddress        uint16        `yaml:"port_address"` // Base address of the parallel port (usually 0x378)
	ByteCloseBothFlaps uint8         `yaml:"byte_close_both_flaps"`
	ByteOpenInputFlap  uint8         `yaml:"byte_open_input_flap"`
	ByteOpenOutputFlap uint8         `yaml:"byte_open_output_flap"`
	BitStartLimit      uint8         `yaml:"bit_start_limit_switch"`
	BitEndLimit        uint8         `yaml:"bit_end_limit_switch"`
	MinFrequency       int           `yaml:"min_frequency"` // Hz
	MaxFrequency       int           `yaml:"max_frequency"` // Hz
	CommandTimeout     time.Duration `yaml:"command_timeout"`
}

// PreloadFactors maps a gauge upper limit (rounded, as text) to a factor per unit name.
type PreloadFactors map[string]map[string]float64

// ControllerConfig contains motion controller parameters.
type ControllerConfig struct {
	Stand                int            `yaml:"stand"` // 4 or 5
	Mode                 string         `yaml:"mode"`  // "aim", "forward" or "forward_backward"
	MaxVelocityFactor    float64        `yaml:"max_velocity_factor"`
	MinVelocityFactor    float64        `yaml:"min_velocity_factor"`
	NominalDuration      time.Duration  `yaml:"nominal_duration"`
	PreloadFactors       PreloadFactors `yaml:"preload_factors"`
	NodeProximityPercent float64        `yaml:"node_proximity_percent"`
	PressureFloor        float64        `yaml:"pressure_floor"`
	StallThreshold       int            `yaml:"stall_threshold"`
	PollInterval         time.Duration  `yaml:"poll_interval"`
	PreloadPollInterval  time.Duration  `yaml:"preload_poll_interval"`
	PressureTimeout      time.Duration  `yaml:"pressure_timeout"` // readings older than this count as no motion
}

// GraduationConfig contains calibration table parameters.
type GraduationConfig struct {
	Channels       int       `yaml:"channels"`
	Unit           string    `yaml:"unit"`
	NodePressures  []float64 `yaml:"node_pressures"`
	PressureWindow float64   `yaml:"pressure_window"`
	MinPoints      int       `yaml:"min_points"`
	LoessFrac      float64   `yaml:"loess_frac"`
	Method         string    `yaml:"method"`          // "loess" or "parabolic"
	CapturePercent float64   `yaml:"capture_percent"` // 0 captures every sample
}

// WatchdogConfig contains stall watchdog parameters.
type WatchdogConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Channel      int           `yaml:"channel"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Window       int           `yaml:"window"`
	MinSamples   int           `yaml:"min_samples"`
	RatioLimit   float64       `yaml:"ratio_limit"`
	BadThreshold int           `yaml:"bad_threshold"`
}

// SensorConfig contains pressure transducer parameters.
type SensorConfig struct {
	Port                string        `yaml:"port"`
	BaudRate            int           `yaml:"baud_rate"`
	RequestBytes        string        `yaml:"request_bytes"` // hex
	ResponseLength      int           `yaml:"response_length"`
	PressureByteIndices []int         `yaml:"pressure_byte_indices"`
	UnitByteIndex       int           `yaml:"unit_byte_index"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	AverageSamples      int           `yaml:"average_samples"` // 0 or 1 disables averaging
	ZeroOffset          float64       `yaml:"zero_offset"`     // subtracted from every reading, in the reading unit
}

// MQTTConfig contains result publishing parameters. An empty broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
}

// GPIOConfig maps parallel port lines to GPIO pin names when driver.port is "gpio".
type GPIOConfig struct {
	Data    []string `yaml:"data"`    // D0..D7
	Status  []string `yaml:"status"`  // S0..S7 (inputs)
	Control []string `yaml:"control"` // C0..C7
}

// MockConfig contains simulated stand parameters.
type MockConfig struct {
	MaxPressure float64       `yaml:"max_pressure"`
	RiseTime    time.Duration `yaml:"rise_time"`
	FallTime    time.Duration `yaml:"fall_time"`
	SampleRate  time.Duration `yaml:"sample_rate"`
	NoiseLevel  float64       `yaml:"noise_level"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Driver: DriverConfig{
			Port:               "devport",
			PortAddress:        0x378,
			ByteCloseBothFlaps: 0x00,
			ByteOpenInputFlap:  0x01,
			ByteOpenOutputFlap: 0x02,
			BitStartLimit:      6,
			BitEndLimit:        7,
			MinFrequency:       200,
			MaxFrequency:       4000,
			CommandTimeout:     250 * time.Millisecond,
		},
		Controller: ControllerConfig{
			Stand:             4,
			Mode:              "forward_backward",
			MaxVelocityFactor: 1.5,
			MinVelocityFactor: 0.5,
			NominalDuration:   60 * time.Second,
			PreloadFactors: PreloadFactors{
				"600": {"kgf/cm": 0.26, "atm": 0.26},
				"60":  {"MPa": 0.26, "kgf/cm": 0.87, "atm": 0.87},
				"400": {"kgf/cm": 0.26, "atm": 0.26},
				"40":  {"MPa": 0.26},
				"250": {"kgf/cm": 0.35, "atm": 0.35},
				"25":  {"MPa": 0.35},
				"160": {"kgf/cm": 0.87, "atm": 0.87},
				"16":  {"MPa": 0.87},
				"100": {"kgf/cm": 0.87, "atm": 0.87},
				"10":  {"MPa": 0.87},
				"6":   {"MPa": 0.87},
			},
			NodeProximityPercent: 7.5,
			PressureFloor:        0,
			StallThreshold:       10,
			PollInterval:         90 * time.Millisecond,
			PreloadPollInterval:  15 * time.Millisecond,
			PressureTimeout:      500 * time.Millisecond,
		},
		Graduation: GraduationConfig{
			Channels:       1,
			Unit:           "kgf/cm",
			NodePressures:  []float64{50, 100, 150, 200, 250},
			PressureWindow: 5,
			MinPoints:      7,
			LoessFrac:      0.3,
			Method:         "loess",
			CapturePercent: 10,
		},
		Watchdog: WatchdogConfig{
			Enabled:      true,
			Channel:      0,
			PollInterval: 100 * time.Millisecond,
			Window:       8,
			MinSamples:   50,
			RatioLimit:   5,
			BadThreshold: 10,
		},
		Sensor: SensorConfig{
			Port:                "/dev/ttyUSB0",
			BaudRate:            9600,
			RequestBytes:        "01",
			ResponseLength:      5,
			PressureByteIndices: []int{4, 3, 2, 1},
			UnitByteIndex:       0,
			PollInterval:        80 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker:   "",
			ClientID: "gaugecal",
			Prefix:   "gaugecal",
		},
		Mock: MockConfig{
			MaxPressure: 260,
			RiseTime:    50 * time.Second,
			FallTime:    50 * time.Second,
			SampleRate:  100 * time.Millisecond,
			NoiseLevel:  0.05,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the parameters a calibration run cannot start without.
func (c *Config) Validate() error {
	d := c.Driver
	if d.MinFrequency <= 0 {
		return fmt.Errorf("%w: driver.min_frequency must be positive", ErrInvalid)
	}
	if d.MaxFrequency < d.MinFrequency {
		return fmt.Errorf("%w: driver.max_frequency %d below min_frequency %d", ErrInvalid, d.MaxFrequency, d.MinFrequency)
	}
	if d.BitStartLimit > 7 || d.BitEndLimit > 7 {
		return fmt.Errorf("%w: limit switch bits must be in 0..7", ErrInvalid)
	}

	g := c.Graduation
	if len(g.NodePressures) < 2 {
		return fmt.Errorf("%w: at least 2 node pressures required, got %d", ErrInvalid, len(g.NodePressures))
	}
	for i := 1; i < len(g.NodePressures); i++ {
		if g.NodePressures[i] <= g.NodePressures[i-1] {
			return fmt.Errorf("%w: node pressures must be strictly increasing", ErrInvalid)
		}
	}
	if g.Channels <= 0 {
		return fmt.Errorf("%w: graduation.channels must be positive", ErrInvalid)
	}
	if g.PressureWindow <= 0 {
		return fmt.Errorf("%w: graduation.pressure_window must be positive", ErrInvalid)
	}
	if g.LoessFrac <= 0 || g.LoessFrac > 1 {
		return fmt.Errorf("%w: graduation.loess_frac must be in (0, 1]", ErrInvalid)
	}
	if g.Method != "loess" && g.Method != "parabolic" {
		return fmt.Errorf("%w: unknown graduation.method %q", ErrInvalid, g.Method)
	}

	ctl := c.Controller
	if ctl.Stand != 4 && ctl.Stand != 5 {
		return fmt.Errorf("%w: unsupported stand %d", ErrInvalid, ctl.Stand)
	}
	if ctl.NominalDuration <= 0 {
		return fmt.Errorf("%w: controller.nominal_duration must be positive", ErrInvalid)
	}

	if c.Watchdog.Enabled && (c.Watchdog.Channel < 0 || c.Watchdog.Channel >= g.Channels) {
		return fmt.Errorf("%w: watchdog.channel %d out of range", ErrInvalid, c.Watchdog.Channel)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Driver.Port == "" {
		c.Driver.Port = def.Driver.Port
	}
	if c.Driver.PortAddress == 0 {
		c.Driver.PortAddress = def.Driver.PortAddress
	}
	if c.Driver.MinFrequency == 0 {
		c.Driver.MinFrequency = def.Driver.MinFrequency
	}
	if c.Driver.MaxFrequency == 0 {
		c.Driver.MaxFrequency = def.Driver.MaxFrequency
	}
	if c.Driver.CommandTimeout == 0 {
		c.Driver.CommandTimeout = def.Driver.CommandTimeout
	}

	if c.Controller.Stand == 0 {
		c.Controller.Stand = def.Controller.Stand
	}
	if c.Controller.Mode == "" {
		c.Controller.Mode = def.Controller.Mode
	}
	if c.Controller.MaxVelocityFactor == 0 {
		c.Controller.MaxVelocityFactor = def.Controller.MaxVelocityFactor
	}
	if c.Controller.MinVelocityFactor == 0 {
		c.Controller.MinVelocityFactor = def.Controller.MinVelocityFactor
	}
	if c.Controller.NominalDuration == 0 {
		c.Controller.NominalDuration = def.Controller.NominalDuration
	}
	if len(c.Controller.PreloadFactors) == 0 {
		c.Controller.PreloadFactors = def.Controller.PreloadFactors
	}
	if c.Controller.NodeProximityPercent == 0 {
		c.Controller.NodeProximityPercent = def.Controller.NodeProximityPercent
	}
	if c.Controller.StallThreshold == 0 {
		c.Controller.StallThreshold = def.Controller.StallThreshold
	}
	if c.Controller.PressureTimeout == 0 {
		c.Controller.PressureTimeout = def.Controller.PressureTimeout
	}
	if c.Controller.PollInterval == 0 {
		c.Controller.PollInterval = def.Controller.PollInterval
	}
	if c.Controller.PreloadPollInterval == 0 {
		c.Controller.PreloadPollInterval = def.Controller.PreloadPollInterval
	}

	if c.Graduation.Channels == 0 {
		c.Graduation.Channels = def.Graduation.Channels
	}
	if c.Graduation.Unit == "" {
		c.Graduation.Unit = def.Graduation.Unit
	}
	if len(c.Graduation.NodePressures) == 0 {
		c.Graduation.NodePressures = def.Graduation.NodePressures
	}
	if c.Graduation.PressureWindow == 0 {
		c.Graduation.PressureWindow = def.Graduation.PressureWindow
	}
	if c.Graduation.MinPoints == 0 {
		c.Graduation.MinPoints = def.Graduation.MinPoints
	}
	if c.Graduation.LoessFrac == 0 {
		c.Graduation.LoessFrac = def.Graduation.LoessFrac
	}
	if c.Graduation.Method == "" {
		c.Graduation.Method = def.Graduation.Method
	}

	if c.Watchdog.PollInterval == 0 {
		c.Watchdog.PollInterval = def.Watchdog.PollInterval
	}
	if c.Watchdog.Window == 0 {
		c.Watchdog.Window = def.Watchdog.Window
	}
	if c.Watchdog.MinSamples == 0 {
		c.Watchdog.MinSamples = def.Watchdog.MinSamples
	}
	if c.Watchdog.RatioLimit == 0 {
		c.Watchdog.RatioLimit = def.Watchdog.RatioLimit
	}
	if c.Watchdog.BadThreshold == 0 {
		c.Watchdog.BadThreshold = def.Watchdog.BadThreshold
	}

	if c.Sensor.BaudRate == 0 {
		c.Sensor.BaudRate = def.Sensor.BaudRate
	}
	if c.Sensor.RequestBytes == "" {
		c.Sensor.RequestBytes = def.Sensor.RequestBytes
	}
	if c.Sensor.ResponseLength == 0 {
		c.Sensor.ResponseLength = def.Sensor.ResponseLength
	}
	if len(c.Sensor.PressureByteIndices) == 0 {
		c.Sensor.PressureByteIndices = def.Sensor.PressureByteIndices
	}
	if c.Sensor.PollInterval == 0 {
		c.Sensor.PollInterval = def.Sensor.PollInterval
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = def.MQTT.Prefix
	}

	if c.Mock.MaxPressure == 0 {
		c.Mock.MaxPressure = def.Mock.MaxPressure
	}
	if c.Mock.RiseTime == 0 {
		c.Mock.RiseTime = def.Mock.RiseTime
	}
	if c.Mock.FallTime == 0 {
		c.Mock.FallTime = def.Mock.FallTime
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}
