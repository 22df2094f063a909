package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
	"potentiostat-service/internal/protocol"
)

func newTestTransport(t *testing.T, ident string) (*Transport, *protocol.SimulatedConnection) {
	t.Helper()
	sim := protocol.NewSimulator(&protocol.SimulatedConfig{Ident: ident, SourceCode: 2}, zap.NewNop())
	cfg := DefaultConfig()
	cfg.ReconnectInitial = time.Millisecond
	cfg.ReconnectMaxElapsed = 50 * time.Millisecond
	tr := New(cfg, StaticLinks{sim}, zap.NewNop())
	return tr, sim
}

func TestCodec_RoundTrip(t *testing.T) {
	raw := []byte{
		0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0xff, 0x7f,
		0x14, 0x00, 0xec, 0xff, 0x00, 0xc0, 0x34, 0x12, 0x00, 0x01,
	}
	want := []int16{0, 1, -1, -32768, 32767, 20, -20, -16384, 0x1234, 256}

	got := DecodeSamples(raw)
	assert.Equal(t, want, got)
	assert.Equal(t, raw, EncodeSamples(got))
}

func TestCodec_OddTrailingByte(t *testing.T) {
	assert.Equal(t, []int16{2}, DecodeSamples([]byte{0x02, 0x00, 0x07}))
}

func TestDecodeMessage(t *testing.T) {
	assert.Equal(t, "Done", DecodeMessage([]byte("Done\x00\x00garbage")))
	assert.Equal(t, "USB Test - 059", DecodeMessage([]byte("USB Test - 059")))
	assert.Equal(t, "", DecodeMessage([]byte{0, 'x'}))
}

func TestTransport_OpenHandshake(t *testing.T) {
	tests := []struct {
		ident       string
		wantVariant string
	}{
		{ident: "USB Test", wantVariant: "base"},
		{ident: "USB Test - 059", wantVariant: "kit-059"},
		{ident: "USB Test - v04", wantVariant: "v04"},
	}
	for _, tt := range tests {
		t.Run(tt.ident, func(t *testing.T) {
			tr, _ := newTestTransport(t, tt.ident)
			id, err := tr.Open(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantVariant, id.Variant)
			assert.Equal(t, model.ConnectionTypeSimulated, id.Type)
			assert.True(t, tr.IsConnected())
		})
	}
}

func TestTransport_HandshakeRetriesThenFails(t *testing.T) {
	tr, sim := newTestTransport(t, "Hello")
	_, err := tr.Open(context.Background())

	var connErr *model.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.False(t, tr.IsConnected())

	identifies := 0
	for _, f := range sim.Frames() {
		if f == IdentifyCommand {
			identifies++
		}
	}
	assert.Equal(t, DefaultHandshakeTry, identifies)
}

func TestTransport_OpenFallsThroughCandidates(t *testing.T) {
	bad := protocol.NewSimulator(&protocol.SimulatedConfig{Ident: "Unknown Device"}, zap.NewNop())
	good := protocol.NewSimulator(&protocol.SimulatedConfig{Ident: "USB Test"}, zap.NewNop())
	tr := New(DefaultConfig(), StaticLinks{bad, good}, zap.NewNop())

	id, err := tr.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base", id.Variant)
	assert.False(t, bad.IsOpen())
}

func TestTransport_OpenNoCandidates(t *testing.T) {
	tr := New(DefaultConfig(), StaticLinks{}, zap.NewNop())
	_, err := tr.Open(context.Background())
	var connErr *model.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestTransport_WriteCommand(t *testing.T) {
	tr, sim := newTestTransport(t, "USB Test")

	err := tr.WriteCommand(context.Background(), "X")
	var connErr *model.ConnectionError
	require.True(t, errors.As(err, &connErr), "write before open")

	_, err = tr.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.WriteCommand(context.Background(), "L|3"))
	assert.Equal(t, 3, sim.Electrodes())

	err = tr.WriteCommand(context.Background(), "S|0000|4080|99999|CS-and-much-more-text")
	assert.ErrorIs(t, err, model.ErrFrameTooLong)
	var protoErr *model.ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestTransport_WriteFailureReconnects(t *testing.T) {
	tr, sim := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	sim.FailNextWrites(1)
	require.NoError(t, tr.WriteCommand(context.Background(), "L|2"))
	assert.Equal(t, 2, sim.Electrodes())
	assert.Equal(t, int64(1), tr.Stats().Reconnects)
	assert.True(t, tr.IsConnected())
}

func TestTransport_ReconnectGivesUp(t *testing.T) {
	tr, sim := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	sim.FailNextWrites(1000)
	err = tr.WriteCommand(context.Background(), "L|2")
	var connErr *model.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.False(t, tr.IsConnected())
}

func TestTransport_ReadSamplesStopsAtSentinel(t *testing.T) {
	tr, _ := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	// DVDAC linear sweep over 40 counts: 41 samples plus the dummy
	require.NoError(t, tr.WriteCommand(ctx, "S|2048|2008|02399|LS"))
	require.NoError(t, tr.WriteCommand(ctx, "R"))
	msg, err := tr.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Done", msg)

	require.NoError(t, tr.WriteCommand(ctx, "E0"))
	values, err := tr.ReadSamples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, values, 42)
	assert.Equal(t, int16(0), values[0])
	assert.NotContains(t, values, Sentinel)
	assert.Equal(t, 0, tr.ClearInputBuffer(ctx))
}

func TestTransport_ReadSamplesWithoutSentinel(t *testing.T) {
	tr, _ := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	_, err = tr.ReadSamples(context.Background(), 2)
	var dataErr *model.DataIntegrityError
	assert.True(t, errors.As(err, &dataErr))
}

func TestTransport_ReadMessageTimeout(t *testing.T) {
	tr, _ := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	_, err = tr.ReadMessage(context.Background())
	var timeoutErr *model.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
	assert.True(t, tr.IsConnected())
}

func TestTransport_QueryVoltageSource(t *testing.T) {
	tr, _ := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	code, err := tr.QueryVoltageSource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(2), code)

	require.NoError(t, tr.WriteCommand(context.Background(), "VS1"))
	code, err = tr.QueryVoltageSource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), code)
}

func TestTransport_ClearInputBuffer(t *testing.T) {
	tr, _ := newTestTransport(t, "USB Test")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.WriteCommand(context.Background(), "B"))
	assert.Equal(t, 20, tr.ClearInputBuffer(context.Background()))
	assert.Equal(t, 0, tr.ClearInputBuffer(context.Background()))
}
