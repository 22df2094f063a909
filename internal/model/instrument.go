// internal/model/instrument.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ConnectionType represents how the instrument is attached
type ConnectionType string

const (
	ConnectionTypeUSB       ConnectionType = "USB"
	ConnectionTypeSerial    ConnectionType = "SERIAL"
	ConnectionTypeTCP       ConnectionType = "TCP"
	ConnectionTypeSimulated ConnectionType = "SIMULATED"
)

// InstrumentStatus represents the link state of the instrument
type InstrumentStatus string

const (
	InstrumentStatusOnline     InstrumentStatus = "ONLINE"
	InstrumentStatusOffline    InstrumentStatus = "OFFLINE"
	InstrumentStatusConnecting InstrumentStatus = "CONNECTING"
	InstrumentStatusError      InstrumentStatus = "ERROR"
)

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// CandidateChannel is a link the transport may try when opening the instrument
type CandidateChannel struct {
	Type      ConnectionType `json:"type"`
	Address   string         `json:"address"` // port name, host:port or bus/address
	VendorID  string         `json:"vendor_id,omitempty"`
	ProductID string         `json:"product_id,omitempty"`
	Serial    string         `json:"serial_number,omitempty"`
	Product   string         `json:"product,omitempty"`
}

// GainRange describes one operator-selectable current range
type GainRange struct {
	Index         int     `json:"index"`
	Label         string  `json:"label"`
	CurrentLimit  float64 `json:"current_limit_ua"`
	ResistorIndex int     `json:"resistor_index"`
	ResistorKOhm  float64 `json:"resistor_kohm"`
	GainBits      int     `json:"gain_bits"`
}

// CalibrationState is the counts-to-current conversion currently in force
type CalibrationState struct {
	CountsToCurrent float64   `json:"counts_to_current"`
	Shift           float64   `json:"shift"`
	Calibrated      bool      `json:"calibrated"`
	CalibratedAt    time.Time `json:"calibrated_at,omitempty"`
}

// InstrumentInfo is the status snapshot reported to the presentation layer
type InstrumentInfo struct {
	Status         InstrumentStatus `json:"status"`
	ConnectionType ConnectionType   `json:"connection_type,omitempty"`
	Address        string           `json:"address,omitempty"`
	Variant        string           `json:"variant,omitempty"`
	Ident          string           `json:"ident,omitempty"`
	VoltageSource  string           `json:"voltage_source,omitempty"`
	ElectrodeCount int              `json:"electrode_count,omitempty"`
	Range          *GainRange       `json:"range,omitempty"`
	Calibration    CalibrationState `json:"calibration"`
	State          RunState         `json:"state"`
	ConnectedAt    *time.Time       `json:"connected_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// LinkStats provides link-level statistics
type LinkStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	FramesWritten  int64         `json:"frames_written"`
	PacketsRead    int64         `json:"packets_read"`
	ErrorCount     int64         `json:"error_count"`
	Reconnects     int64         `json:"reconnects"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}
