// internal/protocol/usb_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// USBConnection implements DeviceProtocol over the PSoC USBFS bulk endpoints
type USBConnection struct {
	config   *USBConfig
	ctx      *gousb.Context
	device   *gousb.Device
	cfg      *gousb.Config
	intf     *gousb.Interface
	outEndpt *gousb.OutEndpoint
	inEndpt  *gousb.InEndpoint
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    linkStats
}

// NewUSBConnection creates a new USB connection
func NewUSBConnection(config *USBConfig, logger *zap.Logger) DeviceProtocol {
	return &USBConnection{
		config: config,
		logger: logger.With(
			zap.String("link", "usb"),
			zap.String("vendor_id", config.VendorID),
			zap.String("product_id", config.ProductID),
		),
	}
}

// Open opens the USB device and claims its interface
func (uc *USBConnection) Open(ctx context.Context) error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if uc.isOpen {
		return nil
	}

	vendorID, err := ParseHexID(uc.config.VendorID)
	if err != nil {
		return fmt.Errorf("invalid vendor ID: %w", err)
	}
	productID, err := ParseHexID(uc.config.ProductID)
	if err != nil {
		return fmt.Errorf("invalid product ID: %w", err)
	}

	uc.logger.Info("Opening USB connection", zap.Int("interface", uc.config.Interface))

	uc.ctx = gousb.NewContext()
	device, err := uc.findAndOpenDevice(vendorID, productID)
	if err != nil {
		uc.closeLocked()
		return fmt.Errorf("failed to find USB device: %w", err)
	}
	uc.device = device

	if err := device.SetAutoDetach(true); err != nil {
		uc.logger.Debug("Kernel driver auto-detach unavailable", zap.Error(err))
	}

	cfgNum := uc.config.Config
	if cfgNum == 0 {
		cfgNum = 1
	}
	uc.cfg, err = device.Config(cfgNum)
	if err != nil {
		uc.closeLocked()
		return fmt.Errorf("failed to set configuration %d: %w", cfgNum, err)
	}

	uc.intf, err = uc.cfg.Interface(uc.config.Interface, 0)
	if err != nil {
		uc.closeLocked()
		return fmt.Errorf("failed to claim interface: %w", err)
	}

	outNum, inNum := uc.config.OutEndpoint, uc.config.InEndpoint
	for _, ep := range uc.intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && outNum == 0 {
			outNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum == 0 {
			inNum = ep.Number
		}
	}

	uc.outEndpt, err = uc.intf.OutEndpoint(outNum)
	if err != nil {
		uc.closeLocked()
		return fmt.Errorf("failed to get out endpoint %d: %w", outNum, err)
	}
	uc.inEndpt, err = uc.intf.InEndpoint(inNum)
	if err != nil {
		uc.closeLocked()
		return fmt.Errorf("failed to get in endpoint %d: %w", inNum, err)
	}

	uc.isOpen = true
	uc.stats.setConnected(true)

	uc.logger.Info("USB connection opened successfully",
		zap.Int("out_endpoint", outNum),
		zap.Int("in_endpoint", inNum),
	)
	return nil
}

// Close releases the interface, device and context
func (uc *USBConnection) Close() error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if !uc.isOpen && uc.ctx == nil {
		return nil
	}
	uc.closeLocked()
	uc.logger.Info("USB connection closed successfully")
	return nil
}

func (uc *USBConnection) closeLocked() {
	if uc.intf != nil {
		uc.intf.Close()
		uc.intf = nil
	}
	if uc.cfg != nil {
		uc.cfg.Close()
		uc.cfg = nil
	}
	if uc.device != nil {
		uc.device.Close()
		uc.device = nil
	}
	if uc.ctx != nil {
		uc.ctx.Close()
		uc.ctx = nil
	}
	uc.outEndpt = nil
	uc.inEndpt = nil
	uc.isOpen = false
	uc.stats.setConnected(false)
}

// IsOpen returns whether the connection is open
func (uc *USBConnection) IsOpen() bool {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return uc.isOpen && uc.device != nil && uc.outEndpt != nil
}

// Write sends one frame to the OUT endpoint
func (uc *USBConnection) Write(ctx context.Context, data []byte) error {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen || uc.outEndpt == nil {
		return ErrNotOpen
	}

	writeCtx, cancel := uc.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	n, err := uc.outEndpt.WriteContext(writeCtx, data)
	if err != nil {
		uc.stats.failed()
		return fmt.Errorf("failed to write to USB device: %w", err)
	}
	if n != len(data) {
		uc.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	uc.stats.wrote(n, time.Since(startTime))
	uc.logger.Debug("USB write completed", zap.Int("bytes", n))
	return nil
}

// Read reads one packet from the IN endpoint
func (uc *USBConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen || uc.inEndpt == nil {
		return nil, ErrNotOpen
	}

	readCtx, cancel := uc.withTimeout(ctx)
	defer cancel()

	buffer := make([]byte, maxBytes)
	n, err := uc.inEndpt.ReadContext(readCtx, buffer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if readCtx.Err() != nil || errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut) {
			return nil, ErrReadTimeout
		}
		uc.stats.failed()
		return nil, fmt.Errorf("failed to read from USB device: %w", err)
	}

	uc.stats.read(n)
	return buffer[:n], nil
}

// Type returns the link type
func (uc *USBConnection) Type() model.ConnectionType {
	return model.ConnectionTypeUSB
}

// Address returns VID:PID
func (uc *USBConnection) Address() string {
	return fmt.Sprintf("%s:%s", uc.config.VendorID, uc.config.ProductID)
}

// Stats returns link counters
func (uc *USBConnection) Stats() model.LinkStats {
	return uc.stats.snapshot()
}

func (uc *USBConnection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, uc.config.Timeout)
}

// findAndOpenDevice opens the first device matching VID/PID and, when set, serial number
func (uc *USBConnection) findAndOpenDevice(vendorID, productID gousb.ID) (*gousb.Device, error) {
	devices, err := uc.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendorID && desc.Product == productID
	})
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("USB device not found (VID: %04X, PID: %04X)", uint16(vendorID), uint16(productID))
	}

	var chosen *gousb.Device
	for _, dev := range devices {
		if chosen != nil {
			dev.Close()
			continue
		}
		if uc.config.Serial != "" {
			serial, err := dev.SerialNumber()
			if err != nil || serial != uc.config.Serial {
				dev.Close()
				continue
			}
		}
		chosen = dev
	}
	if chosen == nil {
		return nil, fmt.Errorf("no USB device with serial %q", uc.config.Serial)
	}
	if len(devices) > 1 {
		uc.logger.Warn("Multiple matching USB devices found, using first one", zap.Int("count", len(devices)))
	}
	return chosen, nil
}

// ParseHexID parses a hex ID string (0x1234 or 1234)
func ParseHexID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(hexStr), "0x")
	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}
