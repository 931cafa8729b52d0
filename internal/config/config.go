// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig          `yaml:"log"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Broker      BrokerConfig       `yaml:"broker"`
	Watch       WatchConfig        `yaml:"watch"`
	Logging     LoggingConfig      `yaml:"logging"`
	Serial      []SerialConfig     `yaml:"serial"`
	Metrics     MetricsConfig      `yaml:"metrics"`

	// RelayServer is only read by the relay process.
	RelayServer RelayServerConfig `yaml:"relay_server"`
}

// Load reads and decodes a YAML config file.
// It does not validate or normalize.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &c, nil
}

// ---- LOG ----

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// ---- CONTROLLER ----

type ControllerConfig struct {
	Name      string `yaml:"name"`
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint8  `yaml:"unit_id"`
	TimeoutMs int    `yaml:"timeout_ms"`

	// OnChangePollMs is the sampling period used to detect changes
	// for on-change subscriptions.
	OnChangePollMs int `yaml:"on_change_poll_ms"`

	Symbols []SymbolConfig `yaml:"symbols"`
}

// Symbol areas.
const (
	AreaCoil     = "coil"     // FC 1 / 5
	AreaDiscrete = "discrete" // FC 2
	AreaHolding  = "holding"  // FC 3 / 6 / 16
	AreaInput    = "input"    // FC 4
)

// Symbol data types.
const (
	TypeBool    = "bool"
	TypeInt16   = "int16"
	TypeUint16  = "uint16"
	TypeInt32   = "int32"
	TypeUint32  = "uint32"
	TypeFloat32 = "float32"
	TypeString  = "string"
	TypeEnum    = "enum"
)

type SymbolConfig struct {
	Name    string `yaml:"name"`
	Area    string `yaml:"area"`
	Address uint16 `yaml:"address"`
	Type    string `yaml:"type"`

	// Length is the register count for string symbols (2 chars per register).
	Length uint16 `yaml:"length"`

	// Enum maps raw register values to names (type enum only).
	Enum map[int64]string `yaml:"enum"`
}

// Registers returns how many 16-bit registers (or bits, for bool) the symbol spans.
func (s SymbolConfig) Registers() uint16 {
	switch s.Type {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeString:
		return s.Length
	default:
		return 1
	}
}

// ---- BROKER ----

type BrokerConfig struct {
	StatusIntervalMs int `yaml:"status_interval_ms"`
}

func (b BrokerConfig) StatusInterval() time.Duration {
	return time.Duration(b.StatusIntervalMs) * time.Millisecond
}

// ---- WATCH ----

type WatchConfig struct {
	Listen            string `yaml:"listen"`
	Path              string `yaml:"path"`
	WindowMs          int    `yaml:"window_ms"`
	DefaultIntervalMs int    `yaml:"default_interval_ms"`
	ResumeGraceMs     int    `yaml:"resume_grace_ms"`
	PingIntervalMs    int    `yaml:"ping_interval_ms"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConfigDir  string `yaml:"config_dir"`
	LogDir     string `yaml:"log_dir"`
	Bucket     string `yaml:"bucket"`
	FileTimeMs int    `yaml:"file_time_ms"`
	WindowMs   int    `yaml:"window_ms"`
	CycleMs    int    `yaml:"cycle_ms"` // interval for cyclic tags
	RetryMs    int    `yaml:"retry_ms"`
	WatchDir   bool   `yaml:"watch_dir"`

	Relay *RelayConfig `yaml:"relay"`
}

type RelayConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	LocalWrite bool   `yaml:"local_write"`
}

// ---- SERIAL ----

type SerialConfig struct {
	Name       string           `yaml:"name"`
	Controller string           `yaml:"controller"`
	Port       SerialPortConfig `yaml:"port"`
	Symbols    HandshakeSymbols `yaml:"symbols"`
	RetryMs    int              `yaml:"retry_ms"`
}

type SerialPortConfig struct {
	Address   string `yaml:"address"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	StopBits  int    `yaml:"stop_bits"`
	Parity    string `yaml:"parity"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// HandshakeSymbols names the controller symbols used by a serial bridge.
type HandshakeSymbols struct {
	InitRequest      string `yaml:"init_request"`
	ReceiveAccept    string `yaml:"receive_accept"`
	TransmitRequest  string `yaml:"transmit_request"`
	InitAccepted     string `yaml:"init_accepted"`
	ReceiveRequest   string `yaml:"receive_request"`
	TransmitAccepted string `yaml:"transmit_accepted"`
	SendBuffer       string `yaml:"send_buffer"`
	ReceiveBuffer    string `yaml:"receive_buffer"`
	Heartbeat        string `yaml:"heartbeat"`
}

// ---- METRICS ----

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ---- RELAY SERVER ----

type RelayServerConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	LogDir     string `yaml:"log_dir"`
	Bucket     string `yaml:"bucket"`
	FileTimeMs int    `yaml:"file_time_ms"`
}
