// internal/driver/registry.go
package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
)

// Variant describes one firmware build and what it supports
type Variant struct {
	Name                 string                    `json:"name"`
	Ident                string                    `json:"ident"`
	DefaultSource        devicemodel.SourceVariant `json:"default_source"`
	SupportsSourceSelect bool                      `json:"supports_source_select"`
	SupportsShort        bool                      `json:"supports_short"`
	ExportChannels       int                       `json:"export_channels"`
}

// Registry maps identification replies to firmware variants
type Registry struct {
	variants map[string]Variant // keyed by ident
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates a new variant registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		variants: make(map[string]Variant),
		logger:   logger,
	}
}

// Register registers a variant under its identification string
func (r *Registry) Register(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.variants[v.Ident] = v
	r.logger.Info("Firmware variant registered",
		zap.String("variant", v.Name),
		zap.String("ident", v.Ident),
	)
}

// Lookup returns the variant for an identification reply
func (r *Registry) Lookup(ident string) (Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.variants[ident]; ok {
		return v, nil
	}
	return Variant{}, fmt.Errorf("no firmware variant for ident %q", ident)
}

// IdentTable returns the ident to variant-name table the handshake matches against
func (r *Registry) IdentTable() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := make(map[string]string, len(r.variants))
	for ident, v := range r.variants {
		table[ident] = v.Name
	}
	return table
}

// ListVariants returns all registered variants sorted by name
func (r *Registry) ListVariants() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Variant, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsSupported checks whether an identification reply is known
func (r *Registry) IsSupported(ident string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.variants[ident]
	return ok
}
