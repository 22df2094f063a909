// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Device     DeviceConfig     `mapstructure:"device"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	App        AppConfig        `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents database configuration. With Enabled false runs
// and calibrations are kept in memory.
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig selects and tunes the link to the instrument
type DeviceConfig struct {
	Link                string        `mapstructure:"link"` // auto, usb, serial, tcp or simulated
	HandshakeAttempts   int           `mapstructure:"handshake_attempts"`
	CommandSpacing      time.Duration `mapstructure:"command_spacing"`
	MaxFrameSize        int           `mapstructure:"max_frame_size"`
	PacketSize          int           `mapstructure:"packet_size"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	Reconnect           BackoffConfig `mapstructure:"reconnect"`
	USB                 USBConfig     `mapstructure:"usb"`
	Serial              SerialConfig  `mapstructure:"serial"`
	TCP                 TCPConfig     `mapstructure:"tcp"`
	Simulated           SimConfig     `mapstructure:"simulated"`
}

// BackoffConfig bounds the reconnect attempts
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// USBConfig represents USB link configuration
type USBConfig struct {
	VendorID    string        `mapstructure:"vendor_id"`
	ProductID   string        `mapstructure:"product_id"`
	Serial      string        `mapstructure:"serial"`
	Config      int           `mapstructure:"config"`
	Interface   int           `mapstructure:"interface"`
	OutEndpoint int           `mapstructure:"out_endpoint"`
	InEndpoint  int           `mapstructure:"in_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SerialConfig represents serial link configuration
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	USBOnly     bool          `mapstructure:"usb_only"`
}

// TCPConfig represents a serial-over-TCP bridge
type TCPConfig struct {
	Address        string        `mapstructure:"address"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	KeepAlive      bool          `mapstructure:"keep_alive"`
}

// SimConfig tunes the in-process firmware emulator
type SimConfig struct {
	Ident        string        `mapstructure:"ident"`
	SourceCode   int           `mapstructure:"source_code"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	NotDoneReads int           `mapstructure:"not_done_reads"`
}

// InstrumentConfig describes the analog front end
type InstrumentConfig struct {
	VirtualGround      float64 `mapstructure:"virtual_ground"` // mV
	VoltageRange       float64 `mapstructure:"voltage_range"`  // mV
	PWMClockHz         float64 `mapstructure:"pwm_clock_hz"`
	AdcVref            float64 `mapstructure:"adc_vref"` // mV
	AdcBits            int     `mapstructure:"adc_bits"`
	DefaultRange       int     `mapstructure:"default_range"`
	VoltageSource      string  `mapstructure:"voltage_source"`
	ElectrodeCount     int     `mapstructure:"electrode_count"`
	CalibrateOnConnect bool    `mapstructure:"calibrate_on_connect"`
}

// ExperimentConfig holds run timing and data handling
type ExperimentConfig struct {
	RunningDelay            time.Duration `mapstructure:"running_delay"`
	SafetyMargin            time.Duration `mapstructure:"safety_margin"`
	FailCountThreshold      int           `mapstructure:"fail_count_threshold"`
	FailureDelay            time.Duration `mapstructure:"failure_delay"`
	CalibrationDelay        time.Duration `mapstructure:"calibration_delay"`
	SettleDelay             time.Duration `mapstructure:"settle_delay"`
	ExportChannel           int           `mapstructure:"export_channel"`
	SamplesToSmooth         int           `mapstructure:"samples_to_smooth"`
	AmperometryStartDelay   time.Duration `mapstructure:"amperometry_start_delay"`
	AmperometryPollInterval time.Duration `mapstructure:"amperometry_poll_interval"`
	ResetAfterFailure       bool          `mapstructure:"reset_after_failure"`
	RunTimeout              time.Duration `mapstructure:"run_timeout"`
}

// WebSocketConfig represents the live event stream configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load reads configuration from file and environment. An explicit path must
// exist; otherwise config.yaml is searched for and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/potentiostat")
	}

	// Environment variable support
	v.SetEnvPrefix("POTENTIOSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "potentiostat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Device defaults
	v.SetDefault("device.link", "auto")
	v.SetDefault("device.handshake_attempts", 5)
	v.SetDefault("device.command_spacing", "0s")
	v.SetDefault("device.max_frame_size", 32)
	v.SetDefault("device.packet_size", 64)
	v.SetDefault("device.health_check_interval", "10s")
	v.SetDefault("device.scan_timeout", "5s")
	v.SetDefault("device.reconnect.initial_interval", "50ms")
	v.SetDefault("device.reconnect.max_interval", "1s")
	v.SetDefault("device.reconnect.max_elapsed", "3s")

	v.SetDefault("device.usb.vendor_id", "04B4")
	v.SetDefault("device.usb.product_id", "E177")
	v.SetDefault("device.usb.config", 1)
	v.SetDefault("device.usb.interface", 0)
	v.SetDefault("device.usb.timeout", "1s")

	v.SetDefault("device.serial.baud_rate", 115200)
	v.SetDefault("device.serial.data_bits", 8)
	v.SetDefault("device.serial.stop_bits", 1)
	v.SetDefault("device.serial.parity", "none")
	v.SetDefault("device.serial.read_timeout", "1s")
	v.SetDefault("device.serial.usb_only", true)

	v.SetDefault("device.tcp.connect_timeout", "5s")
	v.SetDefault("device.tcp.read_timeout", "1s")
	v.SetDefault("device.tcp.write_timeout", "1s")
	v.SetDefault("device.tcp.keep_alive", true)

	v.SetDefault("device.simulated.ident", "USB Test - 059")
	v.SetDefault("device.simulated.source_code", 2)
	v.SetDefault("device.simulated.read_timeout", "20ms")
	v.SetDefault("device.simulated.not_done_reads", 0)

	// Instrument defaults
	v.SetDefault("instrument.virtual_ground", 2048)
	v.SetDefault("instrument.voltage_range", 4080)
	v.SetDefault("instrument.pwm_clock_hz", 2400000)
	v.SetDefault("instrument.adc_vref", 2048)
	v.SetDefault("instrument.adc_bits", 12)
	v.SetDefault("instrument.default_range", 0)
	v.SetDefault("instrument.voltage_source", "dvdac")
	v.SetDefault("instrument.electrode_count", 3)
	v.SetDefault("instrument.calibrate_on_connect", true)

	// Experiment defaults
	v.SetDefault("experiment.running_delay", "3s")
	v.SetDefault("experiment.safety_margin", "200ms")
	v.SetDefault("experiment.fail_count_threshold", 2)
	v.SetDefault("experiment.failure_delay", "500ms")
	v.SetDefault("experiment.calibration_delay", "400ms")
	v.SetDefault("experiment.settle_delay", "10ms")
	v.SetDefault("experiment.export_channel", 0)
	v.SetDefault("experiment.samples_to_smooth", 1)
	v.SetDefault("experiment.amperometry_start_delay", "300ms")
	v.SetDefault("experiment.amperometry_poll_interval", "50ms")
	v.SetDefault("experiment.reset_after_failure", true)
	v.SetDefault("experiment.run_timeout", "10m")

	// WebSocket defaults
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.max_message_size", 512)

	// App defaults
	v.SetDefault("app.name", "potentiostat-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}

	if !oneOf(config.App.Environment, "development", "staging", "production", "test") {
		return fmt.Errorf("app.environment must be one of: development, staging, production, test")
	}
	if !oneOf(config.Logging.Level, "debug", "info", "warn", "error", "fatal") {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal")
	}
	if !oneOf(config.Device.Link, "auto", "usb", "serial", "tcp", "simulated") {
		return fmt.Errorf("device.link must be one of: auto, usb, serial, tcp, simulated")
	}
	if config.Device.Link == "serial" && config.Device.Serial.Port == "" {
		return fmt.Errorf("device.serial.port is required for the serial link")
	}
	if config.Device.Link == "tcp" && config.Device.TCP.Address == "" {
		return fmt.Errorf("device.tcp.address is required for the tcp link")
	}
	if config.Device.MaxFrameSize <= 0 || config.Device.PacketSize <= 0 {
		return fmt.Errorf("device.max_frame_size and device.packet_size must be positive")
	}

	if config.Instrument.VoltageRange <= 0 || config.Instrument.PWMClockHz <= 0 {
		return fmt.Errorf("instrument.voltage_range and instrument.pwm_clock_hz must be positive")
	}
	if !oneOf(config.Instrument.VoltageSource, "8-bit", "dvdac") {
		return fmt.Errorf("instrument.voltage_source must be 8-bit or dvdac")
	}
	if config.Instrument.ElectrodeCount != 2 && config.Instrument.ElectrodeCount != 3 {
		return fmt.Errorf("instrument.electrode_count must be 2 or 3")
	}

	if config.Experiment.FailCountThreshold <= 0 {
		return fmt.Errorf("experiment.fail_count_threshold must be positive")
	}
	if config.Experiment.SamplesToSmooth < 1 {
		return fmt.Errorf("experiment.samples_to_smooth must be at least 1")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
