package spatialengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadLayout_DerivesRadiusElevationAndChannelCount(t *testing.T) {
	data := []byte(`{
		"speakers": [
			{"azimuth": -0.5, "elevation": 0.1, "radius": 2.0, "deviceChannel": 0},
			{"azimuth": 0.5, "elevation": 0.3, "radius": 4.0, "deviceChannel": 1}
		],
		"subwoofers": [{"deviceChannel": 5}]
	}`)

	layout, err := LoadLayout(data)
	require.NoError(t, err)

	assert.Equal(t, 3.0, layout.Radius)
	assert.InDelta(t, 0.1, layout.ElMin, 1e-9)
	assert.InDelta(t, 0.3, layout.ElMax, 1e-9)
	assert.Equal(t, 6, layout.OutputChannels, "max(maxSpeakerIndex=1, maxSubwooferDeviceChannel=5)+1")
	assert.Len(t, layout.Subwoofers, 1)
}

func Test_LoadLayout_Is2DFlag(t *testing.T) {
	flat := []byte(`{"speakers": [
		{"azimuth": 0, "elevation": 0, "radius": 1, "deviceChannel": 0},
		{"azimuth": 1, "elevation": 0.0001, "radius": 1, "deviceChannel": 1}
	]}`)
	layout, err := LoadLayout(flat)
	require.NoError(t, err)
	assert.True(t, layout.Is2D)

	spherical := []byte(`{"speakers": [
		{"azimuth": 0, "elevation": -0.5, "radius": 1, "deviceChannel": 0},
		{"azimuth": 1, "elevation": 0.8, "radius": 1, "deviceChannel": 1}
	]}`)
	layout, err = LoadLayout(spherical)
	require.NoError(t, err)
	assert.False(t, layout.Is2D)
}

func Test_LoadLayout_RejectsNoSpeakers(t *testing.T) {
	_, err := LoadLayout([]byte(`{"speakers": []}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func Test_Median(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 0.0, median(nil))
}

func Test_LoadLayout_OutputChannelsWithNoSubwoofers(t *testing.T) {
	data := []byte(`{"speakers": [
		{"azimuth": 0, "elevation": 0, "radius": 1, "deviceChannel": 0},
		{"azimuth": 3.14159, "elevation": 0, "radius": 1, "deviceChannel": 1}
	]}`)
	layout, err := LoadLayout(data)
	require.NoError(t, err)
	assert.Equal(t, 2, layout.OutputChannels)
}
