package spatialengine

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeOSCFloat32Message builds a minimal OSC 1.0 float32 message packet,
// mirroring the wire format decodeOSCFloat32Message parses.
func encodeOSCFloat32Message(address string, value float32) []byte {
	var buf []byte
	buf = appendOSCString(buf, address)
	buf = appendOSCString(buf, ",f")
	var arg [4]byte
	binary.BigEndian.PutUint32(arg[:], math.Float32bits(value))
	return append(buf, arg[:]...)
}

func appendOSCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func Test_ReadOSCString_RoundTrip(t *testing.T) {
	packet := appendOSCString(nil, "/realtime/gain")
	packet = append(packet, 0xAA, 0xBB)

	s, rest, err := readOSCString(packet)
	require.NoError(t, err)
	assert.Equal(t, "/realtime/gain", s)
	assert.Equal(t, []byte{0xAA, 0xBB}, rest)
}

func Test_ReadOSCString_RejectsUnterminated(t *testing.T) {
	_, _, err := readOSCString([]byte("no-nul-here"))
	assert.Error(t, err)
}

func Test_DecodeOSCFloat32Message_Valid(t *testing.T) {
	packet := encodeOSCFloat32Message("/realtime/focus", 1.75)

	address, value, err := decodeOSCFloat32Message(packet)
	require.NoError(t, err)
	assert.Equal(t, "/realtime/focus", address)
	assert.InDelta(t, 1.75, value, 1e-6)
}

func Test_DecodeOSCFloat32Message_RejectsMissingSlash(t *testing.T) {
	packet := appendOSCString(nil, "realtime/focus")
	packet = append(packet, appendOSCString(nil, ",f")...)
	packet = append(packet, 0, 0, 0, 0)

	_, _, err := decodeOSCFloat32Message(packet)
	require.Error(t, err)
	assert.ErrorIs(t, err, errOSCMalformed)
}

func Test_DecodeOSCFloat32Message_RejectsWrongTypeTag(t *testing.T) {
	packet := appendOSCString(nil, "/realtime/focus")
	packet = append(packet, appendOSCString(nil, ",i")...)
	packet = append(packet, 0, 0, 0, 1)

	_, _, err := decodeOSCFloat32Message(packet)
	require.Error(t, err)
	assert.ErrorIs(t, err, errOSCMalformed)
}

func Test_DecodeOSCFloat32Message_RejectsTruncatedArgument(t *testing.T) {
	packet := appendOSCString(nil, "/realtime/focus")
	packet = append(packet, appendOSCString(nil, ",f")...)
	packet = append(packet, 0, 0) // only 2 of 4 argument bytes

	_, _, err := decodeOSCFloat32Message(packet)
	require.Error(t, err)
	assert.ErrorIs(t, err, errOSCMalformed)
}

func Test_ParameterServer_HandlePacket_DispatchesGain(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	p.handlePacket(encodeOSCFloat32Message("/realtime/gain", 0.8))
	assert.InDelta(t, 0.8, cs.masterGain.Load(), 1e-6)
}

func Test_ParameterServer_HandlePacket_DispatchesMixInDecibels(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	p.handlePacket(encodeOSCFloat32Message("/realtime/speaker_mix_db", 0))
	assert.InDelta(t, 1.0, cs.loudspeakerMix.Load(), 1e-6, "0 dB maps to unity linear gain")
}

func Test_ParameterServer_HandlePacket_DispatchesElevationMode(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	p.handlePacket(encodeOSCFloat32Message("/realtime/elevation_mode", 2))
	assert.Equal(t, ElevationModeRescaleFullSphere, ElevationMode(cs.elevationMode.Load()))
}

func Test_ParameterServer_HandlePacket_DispatchesPausedAndAutoComp(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	p.handlePacket(encodeOSCFloat32Message("/realtime/paused", 1))
	assert.True(t, cs.Paused())

	p.handlePacket(encodeOSCFloat32Message("/realtime/auto_comp", 1))
	assert.True(t, cs.focusAutoCompensation.Load())
}

func Test_ParameterServer_HandlePacket_IgnoresUnrecognizedAddress(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	before := cs.masterGain.Load()
	p.handlePacket(encodeOSCFloat32Message("/realtime/unknown", 99))
	assert.Equal(t, before, cs.masterGain.Load())
}

func Test_ParameterServer_HandlePacket_IgnoresMalformedPacket(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p := &ParameterServer{state: cs}

	before := cs.masterGain.Load()
	p.handlePacket([]byte("garbage"))
	assert.Equal(t, before, cs.masterGain.Load())
}

func Test_NewParameterServer_SentinelLineReportsBoundPort(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	p, err := NewParameterServer(0, cs, nil)
	require.NoError(t, err)
	defer p.Stop()

	assert.True(t, strings.HasPrefix(p.SentinelLine(), "ParameterServer listening on 127.0.0.1:"))
}
