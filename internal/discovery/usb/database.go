// internal/discovery/usb/database.go
package usb

import (
	"github.com/google/gousb"
)

// ProductInfo describes a known instrument board
type ProductInfo struct {
	Name       string
	Confidence float64
}

// DeviceDatabase holds the VID/PID pairs of known potentiostat boards
type DeviceDatabase struct {
	products map[gousb.ID]map[gousb.ID]*ProductInfo
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		products: make(map[gousb.ID]map[gousb.ID]*ProductInfo),
	}
	// Cypress PSoC USBFS vendor-specific example IDs used by the firmware
	db.Add(0x04B4, 0xE177, &ProductInfo{Name: "PSoC potentiostat", Confidence: 0.95})
	return db
}

// Add registers a product, for example a board flashed with custom IDs
func (db *DeviceDatabase) Add(vendor, product gousb.ID, info *ProductInfo) {
	if db.products[vendor] == nil {
		db.products[vendor] = make(map[gousb.ID]*ProductInfo)
	}
	db.products[vendor][product] = info
}

// Lookup returns the product info for a VID/PID pair
func (db *DeviceDatabase) Lookup(vendor, product gousb.ID) *ProductInfo {
	if products, ok := db.products[vendor]; ok {
		return products[product]
	}
	return nil
}

// IsKnownVendor checks whether any product of this vendor is known
func (db *DeviceDatabase) IsKnownVendor(vendor gousb.ID) bool {
	_, ok := db.products[vendor]
	return ok
}
