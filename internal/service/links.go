// internal/service/links.go
package service

import (
	"fmt"

	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/discovery"
	"potentiostat-service/internal/discovery/serial"
	"potentiostat-service/internal/discovery/tcp"
	"potentiostat-service/internal/discovery/usb"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/protocol"
	"potentiostat-service/internal/transport"
)

// ConnectRequest optionally overrides the configured link
type ConnectRequest struct {
	ConnectionType model.ConnectionType   `json:"connection_type,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// NewScannerManager registers the scanners for every link type, USB first so
// the native endpoint pair is preferred over a serial bridge
func NewScannerManager(cfg *config.DeviceConfig, logger *zap.Logger) *discovery.ScannerManager {
	manager := discovery.NewScannerManager(logger)

	vid, _ := protocol.ParseHexID(cfg.USB.VendorID)
	pid, _ := protocol.ParseHexID(cfg.USB.ProductID)
	manager.RegisterScanner(usb.NewScanner(logger, &usb.Config{
		ScanTimeout: cfg.ScanTimeout,
		VendorID:    vid,
		ProductID:   pid,
	}))
	manager.RegisterScanner(serial.NewScanner(logger, &serial.Config{
		VendorID:  cfg.USB.VendorID,
		ProductID: cfg.USB.ProductID,
		USBOnly:   cfg.Serial.USBOnly,
	}))
	if cfg.TCP.Address != "" {
		manager.RegisterScanner(tcp.NewScanner(logger, &tcp.Config{
			Addresses:   []string{cfg.TCP.Address},
			ConnTimeout: cfg.TCP.ConnectTimeout,
		}))
	}
	return manager
}

// linkSource picks where the transport looks for the instrument: the request
// override, the configured link type, or discovery when the link is "auto"
func linkSource(cfg *config.DeviceConfig, req *ConnectRequest, scanner *discovery.ScannerManager, logger *zap.Logger) (transport.LinkSource, error) {
	if req != nil && req.ConnectionType != "" {
		link, err := protocol.CreateProtocol(req.ConnectionType, req.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidParameters, err)
		}
		return transport.StaticLinks{link}, nil
	}

	switch cfg.Link {
	case "usb":
		return transport.StaticLinks{protocol.NewUSBConnection(&protocol.USBConfig{
			VendorID:    cfg.USB.VendorID,
			ProductID:   cfg.USB.ProductID,
			Serial:      cfg.USB.Serial,
			Config:      cfg.USB.Config,
			Interface:   cfg.USB.Interface,
			OutEndpoint: cfg.USB.OutEndpoint,
			InEndpoint:  cfg.USB.InEndpoint,
			Timeout:     cfg.USB.Timeout,
		}, logger)}, nil
	case "serial":
		return transport.StaticLinks{protocol.NewSerialConnection(&protocol.SerialConfig{
			Port:        cfg.Serial.Port,
			BaudRate:    cfg.Serial.BaudRate,
			DataBits:    cfg.Serial.DataBits,
			StopBits:    cfg.Serial.StopBits,
			Parity:      cfg.Serial.Parity,
			ReadTimeout: cfg.Serial.ReadTimeout,
		}, logger)}, nil
	case "tcp":
		return transport.StaticLinks{protocol.NewTCPConnection(&protocol.TCPConfig{
			Address:        cfg.TCP.Address,
			ConnectTimeout: cfg.TCP.ConnectTimeout,
			ReadTimeout:    cfg.TCP.ReadTimeout,
			WriteTimeout:   cfg.TCP.WriteTimeout,
			KeepAlive:      cfg.TCP.KeepAlive,
		}, logger)}, nil
	case "simulated":
		return transport.StaticLinks{protocol.NewSimulatedConnection(&protocol.SimulatedConfig{
			Ident:        cfg.Simulated.Ident,
			SourceCode:   byte(cfg.Simulated.SourceCode),
			ReadTimeout:  cfg.Simulated.ReadTimeout,
			NotDoneReads: cfg.Simulated.NotDoneReads,
		}, logger)}, nil
	default:
		return &transport.DiscoveredLinks{
			Scanner:  scanner,
			Timeout:  cfg.USB.Timeout,
			BaudRate: cfg.Serial.BaudRate,
			Logger:   logger,
		}, nil
	}
}

func transportConfig(cfg *config.DeviceConfig, identTable map[string]string) transport.Config {
	return transport.Config{
		MaxFrameSize:         cfg.MaxFrameSize,
		PacketSize:           cfg.PacketSize,
		HandshakeAttempts:    cfg.HandshakeAttempts,
		CommandSpacing:       cfg.CommandSpacing,
		ReconnectInitial:     cfg.Reconnect.InitialInterval,
		ReconnectMaxInterval: cfg.Reconnect.MaxInterval,
		ReconnectMaxElapsed:  cfg.Reconnect.MaxElapsed,
		IdentTable:           identTable,
	}
}
