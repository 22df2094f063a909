// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// Link defaults of the PSoC USBFS firmware
const (
	DefaultVendorID  = "04B4"
	DefaultProductID = "E177"
	DefaultBaudRate  = 115200
)

// CreateProtocol creates a link based on connection type and a loosely typed
// configuration, as received from the connect endpoint
func CreateProtocol(connectionType model.ConnectionType, config map[string]interface{}, logger *zap.Logger) (DeviceProtocol, error) {
	if err := ValidateConfig(connectionType, config); err != nil {
		return nil, err
	}
	switch connectionType {
	case model.ConnectionTypeSerial:
		return createSerialProtocol(config, logger), nil
	case model.ConnectionTypeUSB:
		return createUSBProtocol(config, logger), nil
	case model.ConnectionTypeTCP:
		return createTCPProtocol(config, logger), nil
	case model.ConnectionTypeSimulated:
		return createSimulatedProtocol(config, logger), nil
	default:
		return nil, fmt.Errorf("unsupported link type: %s", connectionType)
	}
}

// CreateFromCandidate builds the link for a discovered channel
func CreateFromCandidate(c model.CandidateChannel, timeout time.Duration, baudRate int, logger *zap.Logger) (DeviceProtocol, error) {
	switch c.Type {
	case model.ConnectionTypeUSB:
		return NewUSBConnection(&USBConfig{
			VendorID:  c.VendorID,
			ProductID: c.ProductID,
			Serial:    c.Serial,
			Timeout:   timeout,
		}, logger), nil
	case model.ConnectionTypeSerial:
		return NewSerialConnection(&SerialConfig{
			Port:        c.Address,
			BaudRate:    baudRate,
			DataBits:    8,
			StopBits:    1,
			Parity:      "none",
			ReadTimeout: timeout,
		}, logger), nil
	case model.ConnectionTypeTCP:
		return NewTCPConnection(&TCPConfig{
			Address:        c.Address,
			ConnectTimeout: timeout,
			ReadTimeout:    timeout,
			WriteTimeout:   timeout,
		}, logger), nil
	case model.ConnectionTypeSimulated:
		return NewSimulatedConnection(&SimulatedConfig{Ident: c.Product}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported link type: %s", c.Type)
	}
}

func createSerialProtocol(config map[string]interface{}, logger *zap.Logger) DeviceProtocol {
	serialConfig := &SerialConfig{
		Port:        config["port"].(string),
		BaudRate:    intValue(config, "baud_rate", DefaultBaudRate),
		DataBits:    intValue(config, "data_bits", 8),
		StopBits:    intValue(config, "stop_bits", 1),
		Parity:      "none",
		ReadTimeout: durationValue(config, "timeout", time.Second),
	}
	if parity, ok := config["parity"].(string); ok {
		serialConfig.Parity = parity
	}

	logger.Info("Creating serial link",
		zap.String("port", serialConfig.Port),
		zap.Int("baud_rate", serialConfig.BaudRate),
	)
	return NewSerialConnection(serialConfig, logger)
}

func createUSBProtocol(config map[string]interface{}, logger *zap.Logger) DeviceProtocol {
	usbConfig := &USBConfig{
		VendorID:    stringValue(config, "vendor_id", DefaultVendorID),
		ProductID:   stringValue(config, "product_id", DefaultProductID),
		Config:      intValue(config, "config", 1),
		Interface:   intValue(config, "interface", 0),
		OutEndpoint: intValue(config, "out_endpoint", 0),
		InEndpoint:  intValue(config, "in_endpoint", 0),
		Serial:      stringValue(config, "serial_number", ""),
		Timeout:     durationValue(config, "timeout", time.Second),
	}

	logger.Info("Creating USB link",
		zap.String("vendor_id", usbConfig.VendorID),
		zap.String("product_id", usbConfig.ProductID),
		zap.Int("interface", usbConfig.Interface),
	)
	return NewUSBConnection(usbConfig, logger)
}

func createTCPProtocol(config map[string]interface{}, logger *zap.Logger) DeviceProtocol {
	tcpConfig := &TCPConfig{
		Address:        config["address"].(string),
		ConnectTimeout: durationValue(config, "timeout", 5*time.Second),
		ReadTimeout:    durationValue(config, "read_timeout", time.Second),
		WriteTimeout:   durationValue(config, "write_timeout", time.Second),
		KeepAlive:      true,
	}
	if keepAlive, ok := config["keep_alive"].(bool); ok {
		tcpConfig.KeepAlive = keepAlive
	}

	logger.Info("Creating TCP link", zap.String("address", tcpConfig.Address))
	return NewTCPConnection(tcpConfig, logger)
}

func createSimulatedProtocol(config map[string]interface{}, logger *zap.Logger) DeviceProtocol {
	simConfig := &SimulatedConfig{
		Ident:         stringValue(config, "ident", "USB Test"),
		SourceCode:    byte(intValue(config, "source_code", 2)),
		VirtualGround: intValue(config, "virtual_ground", 2048),
		NotDoneReads:  intValue(config, "not_done_reads", 0),
		ReadTimeout:   durationValue(config, "read_timeout", 0),
	}
	if slope, ok := config["response_slope"].(float64); ok {
		simConfig.ResponseSlope = slope
	}

	logger.Info("Creating simulated link", zap.String("ident", simConfig.Ident))
	return NewSimulatedConnection(simConfig, logger)
}

// ValidateConfig validates configuration for a specific link type
func ValidateConfig(connectionType model.ConnectionType, config map[string]interface{}) error {
	switch connectionType {
	case model.ConnectionTypeSerial:
		return validateSerialConfig(config)
	case model.ConnectionTypeUSB:
		return validateUSBConfig(config)
	case model.ConnectionTypeTCP:
		if _, ok := config["address"].(string); !ok {
			return fmt.Errorf("TCP address is required")
		}
		return nil
	case model.ConnectionTypeSimulated:
		return nil
	default:
		return fmt.Errorf("unsupported connection type: %s", connectionType)
	}
}

func validateSerialConfig(config map[string]interface{}) error {
	if _, ok := config["port"].(string); !ok {
		return fmt.Errorf("serial port is required")
	}

	if _, ok := config["baud_rate"]; ok {
		rate := intValue(config, "baud_rate", 0)
		validRates := []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
		for _, validRate := range validRates {
			if rate == validRate {
				return nil
			}
		}
		return fmt.Errorf("invalid baud rate: %d", rate)
	}
	return nil
}

func validateUSBConfig(config map[string]interface{}) error {
	for _, key := range []string{"vendor_id", "product_id"} {
		v, ok := config[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("USB %s must be a hex string", key)
		}
		if _, err := ParseHexID(s); err != nil {
			return fmt.Errorf("invalid USB %s: %w", key, err)
		}
	}
	return nil
}

// JSON numbers arrive as float64, YAML and Go callers pass int
func intValue(config map[string]interface{}, key string, def int) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringValue(config map[string]interface{}, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

func durationValue(config map[string]interface{}, key string, def time.Duration) time.Duration {
	switch v := config[key].(type) {
	case string:
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
	case time.Duration:
		return v
	}
	return def
}
