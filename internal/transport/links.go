// internal/transport/links.go
package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/discovery"
	"potentiostat-service/internal/protocol"
)

// LinkSource yields candidate links in preference order
type LinkSource interface {
	Links(ctx context.Context) ([]protocol.DeviceProtocol, error)
}

// StaticLinks is a fixed list of links, typically one configured link
type StaticLinks []protocol.DeviceProtocol

// Links returns the fixed list
func (s StaticLinks) Links(ctx context.Context) ([]protocol.DeviceProtocol, error) {
	return s, nil
}

// DiscoveredLinks scans for channels and builds a link for each
type DiscoveredLinks struct {
	Scanner  *discovery.ScannerManager
	Timeout  time.Duration
	BaudRate int
	Logger   *zap.Logger
}

// Links scans all registered scanners
func (d *DiscoveredLinks) Links(ctx context.Context) ([]protocol.DeviceProtocol, error) {
	candidates, err := d.Scanner.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for instrument: %w", err)
	}

	links := make([]protocol.DeviceProtocol, 0, len(candidates))
	for _, c := range candidates {
		link, err := protocol.CreateFromCandidate(c, d.Timeout, d.BaudRate, d.Logger)
		if err != nil {
			d.Logger.Warn("Skipping candidate channel",
				zap.String("type", string(c.Type)),
				zap.String("address", c.Address),
				zap.Error(err),
			)
			continue
		}
		links = append(links, link)
	}
	return links, nil
}
