package media

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func s16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func readS16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestToEncoderFormatPassthrough(t *testing.T) {
	t.Parallel()

	in := AudioSampleBatch{
		Data:       s16(1, 2, 3, 4),
		Format:     AudioFormatS16,
		SampleRate: EncoderSampleRate,
		Channels:   2,
		PTS:        time.Second,
	}
	out, err := ToEncoderFormat(in)
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, time.Second, out.PTS)
}

func TestToEncoderFormatMonoToStereo(t *testing.T) {
	t.Parallel()

	out, err := ToEncoderFormat(AudioSampleBatch{
		Data:       s16(100, -200),
		Format:     AudioFormatS16,
		SampleRate: EncoderSampleRate,
		Channels:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, []int16{100, 100, -200, -200}, readS16(out.Data))
	assert.Equal(t, 2, out.Channels)
}

func TestToEncoderFormatPlanarFloat(t *testing.T) {
	t.Parallel()

	// Two frames, left plane then right plane.
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(1))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(-1))
	binary.LittleEndian.PutUint32(data[12:], math.Float32bits(0.5))

	out, err := ToEncoderFormat(AudioSampleBatch{
		Data:       data,
		Format:     AudioFormatF32,
		SampleRate: EncoderSampleRate,
		Channels:   2,
		Planar:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int16{32767, -32768, 0, 16384}, readS16(out.Data))
}

func TestToEncoderFormatULaw(t *testing.T) {
	t.Parallel()

	encoded := g711.EncodeUlaw(s16(1000, -1000))
	out, err := ToEncoderFormat(AudioSampleBatch{
		Data:       encoded,
		Format:     AudioFormatULaw,
		SampleRate: EncoderSampleRate,
		Channels:   1,
	})
	require.NoError(t, err)
	got := readS16(out.Data)
	require.Len(t, got, 4)
	assert.InDelta(t, 1000, got[0], 40)
	assert.Equal(t, got[0], got[1])
	assert.InDelta(t, -1000, got[2], 40)
}

func TestToEncoderFormatResamples(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 16000*2)
	out, err := ToEncoderFormat(AudioSampleBatch{
		Data:       s16(samples...),
		Format:     AudioFormatS16,
		SampleRate: 16000,
		Channels:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, EncoderSampleRate, out.SampleRate)
	assert.Equal(t, time.Second, out.Duration())
}

func TestToEncoderFormatRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := ToEncoderFormat(AudioSampleBatch{Data: s16(1), Format: AudioFormatS16})
	assert.ErrorIs(t, err, ErrUnsupportedAudio)
}

func TestSilenceBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, SilenceBytes(-time.Millisecond))
	assert.Equal(t, 480*4, SilenceBytes(10*time.Millisecond))
}

func TestFloat32ToPCM16(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int16(0), Float32ToPCM16(float32(math.NaN())))
	assert.Equal(t, int16(32767), Float32ToPCM16(2))
	assert.Equal(t, int16(-32768), Float32ToPCM16(-2))
}
