// internal/protocol/simulated_connection.go
package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

const (
	simPacketSize = 64
	simSentinel   = -16384
	simShift      = 20
)

// simCalibration is the self-test reply: five IDAC codes then five ADC counts
var simCalibration = []int16{80, 40, 0, 40, 80, 220, 120, 20, -80, -180}

// SimulatedConnection emulates the instrument firmware in process. A resistive
// dummy cell answers every sweep, so runs complete with deterministic data.
type SimulatedConnection struct {
	config *SimulatedConfig
	logger *zap.Logger
	mutex  sync.Mutex
	isOpen bool
	stats  linkStats

	queue      [][]byte
	frames     []string
	failWrites int

	sourceCode byte
	sweep      simSweep
	running    bool
	notDone    int
	samples    []int16
	electrodes int
	anode      int
	shorted    bool

	ampRunning bool
	ampCount   int
	ampPacket  int
	ampChannel int
	ampReady   bool
}

type simSweep struct {
	set      bool
	square   bool
	start    int
	end      int
	inc      int
	height   int
	typeCode string
}

// NewSimulatedConnection creates an emulated instrument link
func NewSimulatedConnection(config *SimulatedConfig, logger *zap.Logger) DeviceProtocol {
	return newSimulated(config, logger)
}

// NewSimulator returns the concrete emulator so tests can inspect it
func NewSimulator(config *SimulatedConfig, logger *zap.Logger) *SimulatedConnection {
	return newSimulated(config, logger)
}

func newSimulated(config *SimulatedConfig, logger *zap.Logger) *SimulatedConnection {
	if config.Ident == "" {
		config.Ident = "USB Test"
	}
	if config.VirtualGround == 0 {
		config.VirtualGround = 2048
	}
	if config.ResponseSlope == 0 {
		config.ResponseSlope = 0.05
	}
	return &SimulatedConnection{
		config:     config,
		logger:     logger.With(zap.String("link", "simulated")),
		sourceCode: config.SourceCode,
		electrodes: 3,
	}
}

// Open marks the emulator connected
func (s *SimulatedConnection) Open(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.isOpen {
		return nil
	}
	s.isOpen = true
	s.stats.setConnected(true)
	s.logger.Info("Simulated instrument opened", zap.String("ident", s.config.Ident))
	return nil
}

// Close marks the emulator disconnected and drops pending packets
func (s *SimulatedConnection) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isOpen = false
	s.queue = nil
	s.running = false
	s.ampRunning = false
	s.stats.setConnected(false)
	return nil
}

// IsOpen returns whether the emulator is connected
func (s *SimulatedConnection) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isOpen
}

// Write interprets one command frame
func (s *SimulatedConnection) Write(ctx context.Context, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isOpen {
		return ErrNotOpen
	}
	if s.failWrites > 0 {
		s.failWrites--
		s.stats.failed()
		return fmt.Errorf("simulated write failure")
	}

	frame := string(data)
	s.frames = append(s.frames, frame)
	s.stats.wrote(len(data), 0)

	if err := s.handle(frame); err != nil {
		s.logger.Debug("Simulated firmware rejected frame", zap.String("frame", frame), zap.Error(err))
	}
	return nil
}

// Read returns the next queued packet, or synthesizes a status message
func (s *SimulatedConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	s.mutex.Lock()
	if !s.isOpen {
		s.mutex.Unlock()
		return nil, ErrNotOpen
	}
	s.poll()
	if len(s.queue) == 0 {
		s.mutex.Unlock()
		return nil, s.idleWait(ctx)
	}

	packet := s.queue[0]
	if len(packet) > maxBytes {
		s.queue[0] = packet[maxBytes:]
		packet = packet[:maxBytes]
	} else {
		s.queue = s.queue[1:]
	}
	s.stats.read(len(packet))
	s.mutex.Unlock()

	out := make([]byte, len(packet))
	copy(out, packet)
	return out, nil
}

func (s *SimulatedConnection) idleWait(ctx context.Context) error {
	if s.config.ReadTimeout <= 0 {
		return ErrReadTimeout
	}
	select {
	case <-time.After(s.config.ReadTimeout):
		return ErrReadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Type returns the link type
func (s *SimulatedConnection) Type() model.ConnectionType {
	return model.ConnectionTypeSimulated
}

// Address returns a fixed pseudo address
func (s *SimulatedConnection) Address() string {
	return "sim://" + s.config.Ident
}

// Stats returns link counters
func (s *SimulatedConnection) Stats() model.LinkStats {
	return s.stats.snapshot()
}

// Frames returns every frame written so far
func (s *SimulatedConnection) Frames() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

// ResetFrames clears the frame history
func (s *SimulatedConnection) ResetFrames() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.frames = nil
}

// FailNextWrites makes the next n writes fail
func (s *SimulatedConnection) FailNextWrites(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failWrites = n
}

// SetNotDoneReads sets how many status polls a run stays busy for
func (s *SimulatedConnection) SetNotDoneReads(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.config.NotDoneReads = n
}

// SetIdent changes the identification reply
func (s *SimulatedConnection) SetIdent(ident string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.config.Ident = ident
}

// Shorted reports whether the sense resistor is currently shorted
func (s *SimulatedConnection) Shorted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.shorted
}

// Electrodes returns the configured electrode count
func (s *SimulatedConnection) Electrodes() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.electrodes
}

func (s *SimulatedConnection) handle(frame string) error {
	switch {
	case frame == "I":
		s.queueMessage(s.config.Ident)
	case frame == "VR":
		s.queue = append(s.queue, []byte{'V', s.sourceCode})
	case frame == "VS1":
		s.sourceCode = 1
	case frame == "VS2":
		s.sourceCode = 2
	case frame == "B":
		s.queue = append(s.queue, encode(simCalibration))
	case frame == "R":
		if !s.sweep.set {
			return fmt.Errorf("run without parameters")
		}
		s.running = true
		s.notDone = s.config.NotDoneReads
		s.samples = s.sweepSamples()
	case frame == "X":
		s.running = false
		s.ampRunning = false
		s.queue = nil
	case frame == "H":
	case frame == "s":
		s.shorted = true
	case frame == "d":
		s.shorted = false
	case strings.HasPrefix(frame, "S|"), strings.HasPrefix(frame, "G|"):
		return s.parseSweep(frame)
	case strings.HasPrefix(frame, "E"):
		s.queueSamples(append([]int16{0}, s.samples...))
	case strings.HasPrefix(frame, "F"):
		if s.ampRunning {
			s.queueSamples(s.ampSamples())
		}
	case strings.HasPrefix(frame, "M|"):
		fields := strings.Split(frame, "|")
		if len(fields) != 3 {
			return fmt.Errorf("bad amperometry frame")
		}
		count, err1 := strconv.Atoi(fields[1])
		packet, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || packet <= 0 {
			return fmt.Errorf("bad amperometry fields")
		}
		s.ampRunning = true
		s.ampCount = count
		s.ampPacket = packet
		s.ampChannel = 0
		s.ampReady = false
	case strings.HasPrefix(frame, "D|"):
		v, err := strconv.Atoi(strings.TrimPrefix(frame, "D|"))
		if err != nil {
			return err
		}
		s.anode = v
	case strings.HasPrefix(frame, "L|"):
		n, err := strconv.Atoi(strings.TrimPrefix(frame, "L|"))
		if err != nil {
			return err
		}
		s.electrodes = n
	case strings.HasPrefix(frame, "A"), strings.HasPrefix(frame, "C|"), strings.HasPrefix(frame, "T|"):
	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}

// poll advances run state when the host asks for a message
func (s *SimulatedConnection) poll() {
	if len(s.queue) > 0 {
		return
	}
	if s.running {
		if s.notDone > 0 {
			s.notDone--
			return
		}
		s.running = false
		s.queueMessage("Done")
		return
	}
	if s.ampRunning {
		// every other poll finds a buffer full
		s.ampReady = !s.ampReady
		if s.ampReady {
			s.queueMessage("Done" + strconv.Itoa(s.ampChannel))
		}
	}
}

func (s *SimulatedConnection) parseSweep(frame string) error {
	fields := strings.Split(frame, "|")
	sw := simSweep{square: fields[0] == "G"}
	want := 5
	if sw.square {
		want = 7
	}
	if len(fields) != want {
		return fmt.Errorf("expected %d fields, got %d", want, len(fields))
	}
	nums := make([]int, 0, want-2)
	for _, f := range fields[1 : want-1] {
		v, err := strconv.Atoi(f)
		if err != nil {
			return err
		}
		nums = append(nums, v)
	}
	sw.start, sw.end = nums[0], nums[1]
	sw.inc = 1
	if sw.square {
		sw.inc, sw.height = nums[2], nums[3]
		if sw.inc <= 0 {
			return fmt.Errorf("zero increment")
		}
	}
	sw.typeCode = fields[want-1]
	sw.set = true
	s.sweep = sw
	return nil
}

func (s *SimulatedConnection) stepMV() int {
	if s.sourceCode == 2 {
		return 1
	}
	return 16
}

// sweepSamples walks the DAC counts the way the firmware does and answers each
// with the dummy-cell current
func (s *SimulatedConnection) sweepSamples() []int16 {
	sw := s.sweep
	step := s.stepMV()
	zero := s.config.VirtualGround / step

	var counts []int
	switch {
	case strings.HasPrefix(sw.typeCode, "L"):
		counts = ramp(sw.start, sw.end, sw.inc)
	case strings.HasSuffix(sw.typeCode, "Z"):
		counts = ramp(zero, sw.start, sw.inc)
		counts = append(counts, ramp(sw.start, sw.end, sw.inc)[1:]...)
		counts = append(counts, ramp(sw.end, zero, sw.inc)[1:]...)
	default:
		counts = ramp(sw.start, sw.end, sw.inc)
		counts = append(counts, ramp(sw.end, sw.start, sw.inc)[1:]...)
	}

	if sw.square {
		legs := make([]int, 0, 4*len(counts))
		for _, c := range counts {
			legs = append(legs, c-sw.height, c-sw.height, c+sw.height, c+sw.height)
		}
		counts = legs
	}

	out := make([]int16, len(counts))
	for i, c := range counts {
		mv := float64((zero - c) * step)
		out[i] = int16(simShift + math.Round(mv*s.config.ResponseSlope))
	}
	return out
}

func (s *SimulatedConnection) ampSamples() []int16 {
	step := s.stepMV()
	mv := float64(s.config.VirtualGround - s.ampCount*step)
	out := make([]int16, s.ampPacket)
	for i := range out {
		out[i] = int16(simShift + math.Round(mv*s.config.ResponseSlope))
	}
	s.ampChannel = 1 - s.ampChannel
	return out
}

func (s *SimulatedConnection) queueMessage(msg string) {
	s.queue = append(s.queue, append([]byte(msg), 0))
}

// queueSamples packs values plus the sentinel into IN packets
func (s *SimulatedConnection) queueSamples(values []int16) {
	raw := encode(append(values, simSentinel))
	for len(raw) > 0 {
		n := simPacketSize
		if len(raw) < n {
			n = len(raw)
		}
		s.queue = append(s.queue, raw[:n])
		raw = raw[n:]
	}
}

func encode(values []int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func ramp(from, to, inc int) []int {
	n := from - to
	if n < 0 {
		n = -n
	}
	n /= inc
	dir := inc
	if to < from {
		dir = -inc
	}
	out := make([]int, n+1)
	for i := range out {
		out[i] = from + i*dir
	}
	return out
}
