// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"potentiostat-service/internal/model"
	"potentiostat-service/internal/protocol"
)

// Wire constants of the USBFS firmware
const (
	IdentifyCommand      = "I"
	QuerySourceCommand   = "VR"
	DefaultMaxFrameSize  = 32
	DefaultPacketSize    = 64
	DefaultHandshakeTry  = 5
	maxClearPackets      = 256
	defaultClearDuration = 100 * time.Millisecond
)

// DefaultIdentTable maps identification replies to firmware variants
var DefaultIdentTable = map[string]string{
	"USB Test":       "base",
	"USB Test - 059": "kit-059",
	"USB Test - v04": "v04",
}

// Config tunes the transport
type Config struct {
	MaxFrameSize         int
	PacketSize           int
	HandshakeAttempts    int
	CommandSpacing       time.Duration
	ClearTimeout         time.Duration
	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxElapsed  time.Duration
	IdentTable           map[string]string
}

// DefaultConfig returns the firmware defaults
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:         DefaultMaxFrameSize,
		PacketSize:           DefaultPacketSize,
		HandshakeAttempts:    DefaultHandshakeTry,
		ClearTimeout:         defaultClearDuration,
		ReconnectInitial:     50 * time.Millisecond,
		ReconnectMaxInterval: time.Second,
		ReconnectMaxElapsed:  3 * time.Second,
		IdentTable:           DefaultIdentTable,
	}
}

// Identity describes the connected instrument
type Identity struct {
	Ident   string               `json:"ident"`
	Variant string               `json:"variant"`
	Type    model.ConnectionType `json:"type"`
	Address string               `json:"address"`
}

// Transport owns the byte-level conversation with the instrument. Every
// operation holds the link for its whole duration, so replies are never
// interleaved between callers.
type Transport struct {
	cfg     Config
	source  LinkSource
	logger  *zap.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	link       protocol.DeviceProtocol
	working    bool
	identity   Identity
	reconnects int64
}

// New creates a transport. It does not open anything.
func New(cfg Config, source LinkSource, logger *zap.Logger) *Transport {
	def := DefaultConfig()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = def.PacketSize
	}
	if cfg.HandshakeAttempts <= 0 {
		cfg.HandshakeAttempts = def.HandshakeAttempts
	}
	if cfg.ClearTimeout <= 0 {
		cfg.ClearTimeout = def.ClearTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = def.ReconnectMaxInterval
	}
	if cfg.ReconnectMaxElapsed <= 0 {
		cfg.ReconnectMaxElapsed = def.ReconnectMaxElapsed
	}
	if len(cfg.IdentTable) == 0 {
		cfg.IdentTable = def.IdentTable
	}

	limit := rate.Inf
	if cfg.CommandSpacing > 0 {
		limit = rate.Every(cfg.CommandSpacing)
	}

	return &Transport{
		cfg:     cfg,
		source:  source,
		logger:  logger.With(zap.String("component", "transport")),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Open tries each candidate link and keeps the first whose handshake succeeds
func (t *Transport) Open(ctx context.Context) (Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil && t.working {
		return t.identity, nil
	}

	links, err := t.source.Links(ctx)
	if err != nil {
		return Identity{}, &model.ConnectionError{Op: "open", Err: err}
	}
	if len(links) == 0 {
		return Identity{}, &model.ConnectionError{Op: "open", Err: errors.New("no candidate channels found")}
	}

	var lastErr error
	for _, link := range links {
		if err := link.Open(ctx); err != nil {
			t.logger.Debug("Candidate failed to open", zap.String("address", link.Address()), zap.Error(err))
			lastErr = err
			continue
		}
		t.link = link
		ident, variant, err := t.handshakeLocked(ctx)
		if err != nil {
			t.logger.Debug("Candidate failed handshake", zap.String("address", link.Address()), zap.Error(err))
			link.Close()
			t.link = nil
			lastErr = err
			continue
		}
		t.working = true
		t.identity = Identity{Ident: ident, Variant: variant, Type: link.Type(), Address: link.Address()}
		t.logger.Info("Instrument connected",
			zap.String("ident", ident),
			zap.String("variant", variant),
			zap.String("link", string(link.Type())),
			zap.String("address", link.Address()),
		)
		return t.identity, nil
	}

	return Identity{}, &model.ConnectionError{Op: "open", Err: lastErr}
}

// Close releases the link
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return nil
	}
	err := t.link.Close()
	t.link = nil
	t.working = false
	t.identity = Identity{}
	t.logger.Info("Instrument disconnected")
	return err
}

// IsConnected reports whether the link is open and its last handshake passed
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil && t.working
}

// Identity returns the identity of the connected instrument
func (t *Transport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Stats returns link counters
func (t *Transport) Stats() model.LinkStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stats model.LinkStats
	if t.link != nil {
		stats = t.link.Stats()
	}
	stats.Reconnects = t.reconnects
	stats.IsConnected = t.link != nil && t.working
	return stats
}

// WriteCommand sends one ASCII frame. A failed write marks the link broken and
// triggers one bounded reconnect; the frame is resent once if it succeeds.
func (t *Transport) WriteCommand(ctx context.Context, cmd string) error {
	if len(cmd) > t.cfg.MaxFrameSize {
		return &model.ProtocolError{Op: "write " + cmd, Err: model.ErrFrameTooLong}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireLocked("write"); err != nil {
		return err
	}

	err := t.writeLocked(ctx, cmd)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	t.working = false
	t.logger.Error("Command write failed, reconnecting", zap.String("command", cmd), zap.Error(err))
	if rerr := t.reconnectLocked(ctx); rerr != nil {
		return &model.ConnectionError{Op: "write " + cmd, Err: rerr}
	}
	if err := t.writeLocked(ctx, cmd); err != nil {
		t.working = false
		return &model.ConnectionError{Op: "write " + cmd, Err: err}
	}
	return nil
}

func (t *Transport) writeLocked(ctx context.Context, cmd string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	t.logger.Debug("Command sent", zap.String("command", cmd))
	return t.link.Write(ctx, []byte(cmd))
}

// ReadMessage reads one packet and decodes its NUL-terminated string
func (t *Transport) ReadMessage(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireLocked("read message"); err != nil {
		return "", err
	}
	return t.readMessageLocked(ctx)
}

func (t *Transport) readMessageLocked(ctx context.Context) (string, error) {
	packet, err := t.readLocked(ctx, "read message", t.cfg.PacketSize)
	if err != nil {
		return "", err
	}
	msg := DecodeMessage(packet)
	t.logger.Debug("Message received", zap.String("message", msg))
	return msg, nil
}

// ReadRaw reads one packet of at most n bytes
func (t *Transport) ReadRaw(ctx context.Context, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireLocked("read"); err != nil {
		return nil, err
	}
	return t.readLocked(ctx, "read", n)
}

// ReadSamples reads up to maxPackets+1 packets, stopping at the sentinel,
// which is trimmed. Running out of packets without a sentinel is not fatal:
// the collected values are returned and the mismatch is logged. Only an empty
// stream is a DataIntegrityError.
func (t *Transport) ReadSamples(ctx context.Context, maxPackets int) ([]int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireLocked("read samples"); err != nil {
		return nil, err
	}

	var values []int16
	terminated := false
	packets := 0
	for packets < maxPackets+1 {
		packet, err := t.readLocked(ctx, "read samples", t.cfg.PacketSize)
		if err != nil {
			var timeoutErr *model.TimeoutError
			if errors.As(err, &timeoutErr) {
				break
			}
			return values, err
		}
		packets++
		decoded, found := cutAtSentinel(DecodeSamples(packet))
		values = append(values, decoded...)
		if found {
			terminated = true
			break
		}
	}

	if !terminated {
		t.logger.Warn("Sample stream ended without termination sentinel",
			zap.Int("packets_expected", maxPackets),
			zap.Int("packets_read", packets),
			zap.Int("samples", len(values)),
		)
	}
	if len(values) == 0 && !terminated {
		return nil, &model.DataIntegrityError{Op: "read samples", Expected: maxPackets, Got: 0, Detail: "no packets received"}
	}
	return values, nil
}

// ClearInputBuffer drains stale packets left from an earlier command
func (t *Transport) ClearInputBuffer(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clearLocked(ctx)
}

func (t *Transport) clearLocked(ctx context.Context) int {
	if t.link == nil {
		return 0
	}
	drained := 0
	for i := 0; i < maxClearPackets; i++ {
		readCtx, cancel := context.WithTimeout(ctx, t.cfg.ClearTimeout)
		packet, err := t.link.Read(readCtx, t.cfg.PacketSize)
		cancel()
		if err != nil {
			break
		}
		drained += len(packet)
	}
	if drained > 0 {
		t.logger.Debug("Cleared stale input", zap.Int("bytes", drained))
	}
	return drained
}

// Handshake re-identifies the instrument on the open link
func (t *Transport) Handshake(ctx context.Context) (Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return Identity{}, &model.ConnectionError{Op: "handshake", Err: model.ErrNotConnected}
	}
	ident, variant, err := t.handshakeLocked(ctx)
	if err != nil {
		t.working = false
		return Identity{}, err
	}
	t.working = true
	t.identity.Ident = ident
	t.identity.Variant = variant
	return t.identity, nil
}

func (t *Transport) handshakeLocked(ctx context.Context) (string, string, error) {
	var last string
	for attempt := 1; attempt <= t.cfg.HandshakeAttempts; attempt++ {
		t.clearLocked(ctx)
		if err := t.writeLocked(ctx, IdentifyCommand); err != nil {
			return "", "", &model.ConnectionError{Op: "handshake", Err: err}
		}
		msg, err := t.readMessageLocked(ctx)
		if err == nil {
			if variant, ok := t.cfg.IdentTable[msg]; ok {
				return msg, variant, nil
			}
			last = msg
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		t.logger.Debug("Handshake attempt failed",
			zap.Int("attempt", attempt),
			zap.String("reply", msg),
			zap.Error(err),
		)
	}
	return "", "", &model.ConnectionError{
		Op:  "handshake",
		Err: fmt.Errorf("no known identification after %d attempts (last reply %q)", t.cfg.HandshakeAttempts, last),
	}
}

// QueryVoltageSource asks which DAC the firmware drives. The second reply byte
// is 1 for the 8-bit DAC, 2 for the dithered DAC and 0 when unset.
func (t *Transport) QueryVoltageSource(ctx context.Context) (byte, error) {
	if err := t.WriteCommand(ctx, QuerySourceCommand); err != nil {
		return 0, err
	}
	reply, err := t.ReadRaw(ctx, 2)
	if err != nil {
		return 0, err
	}
	if len(reply) < 2 {
		return 0, &model.ProtocolError{Op: "query voltage source", Err: fmt.Errorf("short reply of %d bytes", len(reply))}
	}
	if reply[1] > 2 {
		return 0, &model.ProtocolError{Op: "query voltage source", Err: fmt.Errorf("unknown source code %d", reply[1])}
	}
	return reply[1], nil
}

func (t *Transport) requireLocked(op string) error {
	if t.link == nil || !t.working {
		return &model.ConnectionError{Op: op, Err: model.ErrNotConnected}
	}
	return nil
}

func (t *Transport) readLocked(ctx context.Context, op string, n int) ([]byte, error) {
	if t.link == nil {
		return nil, &model.ConnectionError{Op: op, Err: model.ErrNotConnected}
	}
	packet, err := t.link.Read(ctx, n)
	if err == nil {
		return packet, nil
	}
	if protocol.IsTimeout(err) && ctx.Err() == nil {
		return nil, &model.TimeoutError{Op: op, Attempts: 1}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	t.working = false
	return nil, &model.ConnectionError{Op: op, Err: err}
}

// reconnectLocked reopens the link and repeats the handshake with a bounded
// exponential backoff
func (t *Transport) reconnectLocked(ctx context.Context) error {
	link := t.link
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		link.Close()
		if err := link.Open(ctx); err != nil {
			return err
		}
		ident, variant, err := t.handshakeLocked(ctx)
		if err != nil {
			return err
		}
		t.identity.Ident = ident
		t.identity.Variant = variant
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.ReconnectInitial,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         t.cfg.ReconnectMaxInterval,
		MaxElapsedTime:      t.cfg.ReconnectMaxElapsed,
		Clock:               backoff.SystemClock,
	})
	t.reconnects++
	if err != nil {
		t.logger.Error("Reconnect failed", zap.Error(err))
		return err
	}
	t.working = true
	t.logger.Info("Reconnected", zap.String("ident", t.identity.Ident))
	return nil
}
