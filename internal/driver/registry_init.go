// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
)

// RegisterDefaultVariants registers the firmware builds that answer the
// identify command
func RegisterDefaultVariants(registry *Registry, logger *zap.Logger) {
	// original board: 8-bit VDAC only, no sense-resistor short
	registry.Register(Variant{
		Name:           "base",
		Ident:          "USB Test",
		DefaultSource:  devicemodel.Source8Bit,
		ExportChannels: 1,
	})

	// CY8CKIT-059 build
	registry.Register(Variant{
		Name:                 "kit-059",
		Ident:                "USB Test - 059",
		DefaultSource:        devicemodel.SourceDVDAC,
		SupportsSourceSelect: true,
		SupportsShort:        true,
		ExportChannels:       2,
	})

	// v04 board
	registry.Register(Variant{
		Name:                 "v04",
		Ident:                "USB Test - v04",
		DefaultSource:        devicemodel.SourceDVDAC,
		SupportsSourceSelect: true,
		SupportsShort:        true,
		ExportChannels:       2,
	})

	logger.Info("Firmware variants registered", zap.Int("variants", 3))
}
