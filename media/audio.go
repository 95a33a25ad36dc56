package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zaf/g711"
)

// Encoder-side audio format. Every batch is adapted to this before it reaches
// an encoder input.
const (
	EncoderSampleRate = 48000
	EncoderChannels   = 2
	encoderFrameBytes = EncoderChannels * 2
)

var ErrUnsupportedAudio = errors.New("unsupported audio format")

// AudioFormat is the sample encoding of an AudioSampleBatch.
type AudioFormat int

const (
	AudioFormatS16 AudioFormat = iota
	AudioFormatF32
	AudioFormatULaw
	AudioFormatALaw
)

func (a AudioFormat) String() string {
	switch a {
	case AudioFormatS16:
		return "s16le"
	case AudioFormatF32:
		return "f32le"
	case AudioFormatULaw:
		return "mulaw"
	case AudioFormatALaw:
		return "alaw"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (a AudioFormat) BytesPerSample() int {
	switch a {
	case AudioFormatS16:
		return 2
	case AudioFormatF32:
		return 4
	case AudioFormatULaw, AudioFormatALaw:
		return 1
	default:
		return 0
	}
}

// AudioSource tells the two independent batch streams apart.
type AudioSource int

const (
	AudioSourceSystem AudioSource = iota
	AudioSourceMicrophone
)

func (s AudioSource) String() string {
	if s == AudioSourceMicrophone {
		return "microphone"
	}
	return "system"
}

// AudioSampleBatch is an immutable handle to a block of audio samples.
// Planar batches store each channel contiguously, one after the other.
type AudioSampleBatch struct {
	Data       []byte
	Format     AudioFormat
	SampleRate int
	Channels   int
	Planar     bool
	PTS        time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (b AudioSampleBatch) Frames() int {
	bps := b.Format.BytesPerSample()
	if bps == 0 || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (bps * b.Channels)
}

// Duration returns the playback length of the batch.
func (b AudioSampleBatch) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// IsEncoderFormat reports whether the batch can be fed to an encoder as-is.
func (b AudioSampleBatch) IsEncoderFormat() bool {
	return b.Format == AudioFormatS16 && !b.Planar &&
		b.SampleRate == EncoderSampleRate && b.Channels == EncoderChannels
}

// ToEncoderFormat adapts a batch to packed s16le, 48 kHz, stereo.
func ToEncoderFormat(b AudioSampleBatch) (AudioSampleBatch, error) {
	if b.IsEncoderFormat() {
		return b, nil
	}
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return AudioSampleBatch{}, fmt.Errorf("%w: channels=%d rate=%d", ErrUnsupportedAudio, b.Channels, b.SampleRate)
	}

	samples, err := decodeToInt16(b)
	if err != nil {
		return AudioSampleBatch{}, err
	}
	samples, err = remixChannels(samples, b.Channels, EncoderChannels)
	if err != nil {
		return AudioSampleBatch{}, err
	}
	samples = resampleLinear(samples, EncoderChannels, b.SampleRate, EncoderSampleRate)

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return AudioSampleBatch{
		Data:       out,
		Format:     AudioFormatS16,
		SampleRate: EncoderSampleRate,
		Channels:   EncoderChannels,
		PTS:        b.PTS,
	}, nil
}

// SilenceBytes returns the encoder-format byte count covering d.
func SilenceBytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	frames := int64(d) * EncoderSampleRate / int64(time.Second)
	return int(frames) * encoderFrameBytes
}

// decodeToInt16 returns interleaved int16 samples in the source channel count.
func decodeToInt16(b AudioSampleBatch) ([]int16, error) {
	frames := b.Frames()
	ch := b.Channels
	out := make([]int16, frames*ch)

	switch b.Format {
	case AudioFormatS16:
		for f := 0; f < frames; f++ {
			for c := 0; c < ch; c++ {
				off := sampleOffset(b.Planar, f, c, frames, ch) * 2
				out[f*ch+c] = int16(binary.LittleEndian.Uint16(b.Data[off:]))
			}
		}
	case AudioFormatF32:
		for f := 0; f < frames; f++ {
			for c := 0; c < ch; c++ {
				off := sampleOffset(b.Planar, f, c, frames, ch) * 4
				out[f*ch+c] = Float32ToPCM16(math.Float32frombits(binary.LittleEndian.Uint32(b.Data[off:])))
			}
		}
	case AudioFormatULaw, AudioFormatALaw:
		data := b.Data[:frames*ch]
		if b.Planar {
			data = interleaveBytes(data, frames, ch)
		}
		var pcm []byte
		if b.Format == AudioFormatULaw {
			pcm = g711.DecodeUlaw(data)
		} else {
			pcm = g711.DecodeAlaw(data)
		}
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAudio, b.Format)
	}
	return out, nil
}

func sampleOffset(planar bool, frame, channel, frames, channels int) int {
	if planar {
		return channel*frames + frame
	}
	return frame*channels + channel
}

func interleaveBytes(planar []byte, frames, channels int) []byte {
	out := make([]byte, len(planar))
	for c := 0; c < channels; c++ {
		for f := 0; f < frames; f++ {
			out[f*channels+c] = planar[c*frames+f]
		}
	}
	return out
}

func remixChannels(in []int16, from, to int) ([]int16, error) {
	if from == to {
		return in, nil
	}
	frames := len(in) / from
	out := make([]int16, frames*to)
	switch {
	case from == 1:
		for f := 0; f < frames; f++ {
			for c := 0; c < to; c++ {
				out[f*to+c] = in[f]
			}
		}
	case to == 1:
		for f := 0; f < frames; f++ {
			sum := 0
			for c := 0; c < from; c++ {
				sum += int(in[f*from+c])
			}
			out[f] = int16(sum / from)
		}
	case from > to:
		// Keep the front channels, fold the rest into them.
		for f := 0; f < frames; f++ {
			for c := 0; c < to; c++ {
				sum, n := 0, 0
				for src := c; src < from; src += to {
					sum += int(in[f*from+src])
					n++
				}
				out[f*to+c] = int16(sum / n)
			}
		}
	default:
		return nil, fmt.Errorf("%w: channel conversion %d to %d", ErrUnsupportedAudio, from, to)
	}
	return out, nil
}

func resampleLinear(in []int16, channels, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	inFrames := len(in) / channels
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	out := make([]int16, outFrames*channels)
	step := float64(fromRate) / float64(toRate)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		j := i + 1
		if j >= inFrames {
			j = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := float64(in[i*channels+c])
			b := float64(in[j*channels+c])
			out[f*channels+c] = int16(math.Round(a + (b-a)*frac))
		}
	}
	return out
}

// Float32ToPCM16 converts a normalized float sample with clipping.
func Float32ToPCM16(v float32) int16 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v >= 1 {
		return 32767
	}
	if v <= -1 {
		return -32768
	}

	scaled := int32(math.Round(float64(v * 32767)))
	if scaled > 32767 {
		scaled = 32767
	}
	if scaled < -32768 {
		scaled = -32768
	}
	return int16(scaled)
}
