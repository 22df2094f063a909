// internal/protocol/connection.go
package protocol

import "time"

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port        string        `json:"port"`
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    int           `json:"stop_bits"`
	Parity      string        `json:"parity"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// USBConfig represents USB connection configuration
type USBConfig struct {
	VendorID    string        `json:"vendor_id"`
	ProductID   string        `json:"product_id"`
	Config      int           `json:"config"`
	Interface   int           `json:"interface"`
	OutEndpoint int           `json:"out_endpoint"`
	InEndpoint  int           `json:"in_endpoint"`
	Serial      string        `json:"serial_number"`
	Timeout     time.Duration `json:"timeout"`
}

// TCPConfig represents a serial-over-TCP bridge
type TCPConfig struct {
	Address        string        `json:"address"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	KeepAlive      bool          `json:"keep_alive"`
}

// SimulatedConfig configures the in-process instrument emulator
type SimulatedConfig struct {
	Ident         string        `json:"ident"`
	SourceCode    byte          `json:"source_code"`
	VirtualGround int           `json:"virtual_ground"` // mV
	ReadTimeout   time.Duration `json:"read_timeout"`
	ResponseSlope float64       `json:"response_slope"` // ADC counts per mV of the dummy cell
	NotDoneReads  int           `json:"not_done_reads"`
}
