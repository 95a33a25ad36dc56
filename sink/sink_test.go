package sink

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

type videoWrite struct {
	data   []byte
	repeat int
}

type fakeWriter struct {
	mu       sync.Mutex
	cfg      WriterConfig
	video    []videoWrite
	audio    map[int][]byte
	finished bool
	aborted  bool
	writeErr error
}

func (w *fakeWriter) WriteVideo(frame []byte, repeat int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.video = append(w.video, videoWrite{data: frame, repeat: repeat})
	return nil
}

func (w *fakeWriter) WriteAudio(track int, pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.audio[track] = append(w.audio[track], pcm...)
	return nil
}

func (w *fakeWriter) Finish(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = true
	return os.WriteFile(w.cfg.Path, []byte("ftyp....moov"), 0o644)
}

func (w *fakeWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
}

type harness struct {
	sink   *Sink
	opened []*fakeWriter
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	s, err := New(Options{
		Logger: logging.Discard(),
		OpenWriter: func(_ context.Context, cfg WriterConfig) (Writer, error) {
			w := &fakeWriter{cfg: cfg, audio: map[int][]byte{}}
			// The real writer creates the file as soon as ffmpeg starts.
			if err := os.WriteFile(cfg.Path, nil, 0o644); err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.opened = append(h.opened, w)
			h.mu.Unlock()
			return w, nil
		},
	})
	require.NoError(t, err)
	h.sink = s
	return h
}

func (h *harness) writer(t *testing.T) *fakeWriter {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.opened)
	return h.opened[len(h.opened)-1]
}

func outPath(t *testing.T, c media.Container) string {
	return filepath.Join(t.TempDir(), "rec"+c.Extension())
}

func frame(size image.Point, marker byte, pts time.Duration) media.VideoFrame {
	f := media.NewVideoFrame(size.X, size.Y, media.PixelFormatBGRA, pts)
	for i := range f.Data {
		f.Data[i] = marker
	}
	return f
}

func stereo(d time.Duration, pts time.Duration) media.AudioSampleBatch {
	return media.AudioSampleBatch{
		Data:       make([]byte, media.SilenceBytes(d)),
		Format:     media.AudioFormatS16,
		SampleRate: media.EncoderSampleRate,
		Channels:   media.EncoderChannels,
		PTS:        pts,
	}
}

func TestNewRequiresWriter(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSetupMatrix(t *testing.T) {
	tests := []struct {
		name  string
		cfg   media.EncodingConfiguration
		valid bool
	}{
		{"mov prores422 pcm", media.EncodingConfiguration{Container: media.ContainerMOV, VideoCodec: media.VideoCodecProRes422, AudioCodec: media.AudioCodecPCM}, true},
		{"mov prores4444 alpha", media.EncodingConfiguration{Container: media.ContainerMOV, VideoCodec: media.VideoCodecProRes4444, PreserveAlpha: true}, true},
		{"mov h264 hdr", media.EncodingConfiguration{Container: media.ContainerMOV, VideoCodec: media.VideoCodecH264, HDR: true}, true},
		{"mp4 h264 aac", media.EncodingConfiguration{Container: media.ContainerMP4, VideoCodec: media.VideoCodecH264}, true},
		{"mp4 hevc aac", media.EncodingConfiguration{Container: media.ContainerMP4, VideoCodec: media.VideoCodecHEVC}, true},
		{"mp4 prores422", media.EncodingConfiguration{Container: media.ContainerMP4, VideoCodec: media.VideoCodecProRes422}, false},
		{"mp4 alpha", media.EncodingConfiguration{Container: media.ContainerMP4, VideoCodec: media.VideoCodecH264, PreserveAlpha: true}, false},
		{"mp4 pcm", media.EncodingConfiguration{Container: media.ContainerMP4, AudioCodec: media.AudioCodecPCM}, false},
		{"mp4 hdr", media.EncodingConfiguration{Container: media.ContainerMP4, HDR: true}, false},
		{"mov h264 alpha", media.EncodingConfiguration{Container: media.ContainerMOV, VideoCodec: media.VideoCodecH264, PreserveAlpha: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.sink.Setup(context.Background(), outPath(t, tt.cfg.Container), tt.cfg, image.Pt(64, 48))
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, StateConfigured, h.sink.State())
				return
			}
			var cerr *media.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Empty(t, h.opened, "no writer may be opened for an invalid configuration")
			assert.Equal(t, StateNotConfigured, h.sink.State())
		})
	}
}

func TestSetupRejectsWrongExtensionAndEmptySize(t *testing.T) {
	h := newHarness(t)
	err := h.sink.Setup(context.Background(), filepath.Join(t.TempDir(), "a.mp4"), media.EncodingConfiguration{Container: media.ContainerMOV}, image.Pt(64, 48))
	var cerr *media.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "outputPath", cerr.Field)

	err = h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{}, image.Pt(1, 1))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "videoSize", cerr.Field)
	assert.Empty(t, h.opened)
}

func TestSetupWriterConfig(t *testing.T) {
	h := newHarness(t)
	cfg := media.EncodingConfiguration{Container: media.ContainerMOV, HDR: true, SystemAudio: true, Microphone: true, FrameRate: 30}
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), cfg, image.Pt(1921, 1081)))

	w := h.writer(t)
	assert.Equal(t, image.Pt(1920, 1080), w.cfg.Size)
	assert.Equal(t, 30, w.cfg.FrameRate)
	assert.Equal(t, media.PixelFormatBGRA10, w.cfg.PixelFormat)
	assert.Equal(t, []media.AudioSource{media.AudioSourceSystem, media.AudioSourceMicrophone}, w.cfg.AudioTracks)

	err := h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), cfg, image.Pt(64, 48))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAppendsOutsideWritingAreDropped(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(4, 2)
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 1, 0)))
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{SystemAudio: true}, size))
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 1, 0)))
	require.NoError(t, h.sink.AppendAudioSample(stereo(20*time.Millisecond, 0)))

	w := h.writer(t)
	assert.Empty(t, w.video)
	assert.Empty(t, w.audio)

	_, err := h.sink.FinishWriting(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVideoTimelineDuplicatesAndDrops(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(4, 2)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{FrameRate: 10}, size))
	require.NoError(t, h.sink.StartWriting())

	base := 10 * time.Second
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 'A', base)))
	require.NoError(t, h.sink.AppendCompositedVideoFrame(frame(size, 'B', 0), base+100*time.Millisecond))
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 'C', base+350*time.Millisecond)))
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 'D', base+360*time.Millisecond)))
	// Before the origin.
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 'E', base-time.Second)))
	// Not complete.
	idle := frame(size, 'F', base+500*time.Millisecond)
	idle.Status = media.FrameIdle
	require.NoError(t, h.sink.AppendVideoFrame(idle))

	path, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, path)

	w := h.writer(t)
	require.Len(t, w.video, 3)
	got := []byte{}
	for _, v := range w.video {
		for i := 0; i < v.repeat; i++ {
			got = append(got, v.data[0])
		}
	}
	assert.Equal(t, "ABBDD", string(got))

	st := h.sink.Stats()
	assert.Equal(t, int64(5), st.VideoFrames)
	assert.Equal(t, int64(2), st.DuplicateFrames)
	assert.Equal(t, int64(2), st.DroppedFrames)
	assert.True(t, w.finished)
	assert.Equal(t, StateFinished, h.sink.State())
}

func TestAudioGapsArePaddedWithSilence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{SystemAudio: true, Microphone: true}, image.Pt(4, 2)))
	require.NoError(t, h.sink.StartWriting())

	base := 5 * time.Second
	chunk := 20 * time.Millisecond
	require.NoError(t, h.sink.AppendAudioSample(stereo(chunk, base)))
	require.NoError(t, h.sink.AppendAudioSample(stereo(chunk, base+100*time.Millisecond)))
	// A 10 ms hole is left alone.
	require.NoError(t, h.sink.AppendAudioSample(stereo(chunk, base+130*time.Millisecond)))

	mono := media.AudioSampleBatch{
		Data:       make([]byte, 960*2),
		Format:     media.AudioFormatS16,
		SampleRate: media.EncoderSampleRate,
		Channels:   1,
		PTS:        base,
	}
	require.NoError(t, h.sink.AppendMicrophoneSample(mono))

	_, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)

	w := h.writer(t)
	want := media.SilenceBytes(chunk)*3 + media.SilenceBytes(80*time.Millisecond)
	assert.Len(t, w.audio[0], want)
	// The microphone track is converted to stereo and padded to the end of
	// the timeline.
	assert.Len(t, w.audio[1], media.SilenceBytes(140*time.Millisecond))
}

func TestAudioForDisabledTrackIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{SystemAudio: true}, image.Pt(4, 2)))
	require.NoError(t, h.sink.StartWriting())
	require.NoError(t, h.sink.AppendMicrophoneSample(stereo(20*time.Millisecond, 0)))
	assert.Empty(t, h.writer(t).audio)
}

func TestInvalidAudioIsAnEncodingError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{SystemAudio: true}, image.Pt(4, 2)))
	require.NoError(t, h.sink.StartWriting())

	err := h.sink.AppendAudioSample(media.AudioSampleBatch{Data: []byte{1, 2}, Format: media.AudioFormatS16})
	var eerr *EncodingError
	require.ErrorAs(t, err, &eerr)
	assert.Error(t, h.sink.Err())
}

func TestFinishWithoutSamplesFails(t *testing.T) {
	h := newHarness(t)
	path := outPath(t, media.ContainerMP4)
	require.NoError(t, h.sink.Setup(context.Background(), path, media.EncodingConfiguration{Container: media.ContainerMP4}, image.Pt(64, 48)))
	require.NoError(t, h.sink.StartWriting())

	_, err := h.sink.FinishWriting(context.Background())
	var eerr *EncodingError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "finish", eerr.Op)
	assert.ErrorIs(t, err, ErrNoSamples)
	assert.True(t, h.writer(t).aborted)
	assert.NoFileExists(t, path)

	again, err := h.sink.FinishWriting(context.Background())
	assert.ErrorIs(t, err, ErrNoSamples, "the failure sticks")
	assert.Empty(t, again)
}

func TestFinishBeforeWritingAbortsWriter(t *testing.T) {
	h := newHarness(t)
	path := outPath(t, media.ContainerMOV)
	require.NoError(t, h.sink.Setup(context.Background(), path, media.EncodingConfiguration{}, image.Pt(4, 2)))

	_, err := h.sink.FinishWriting(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, h.writer(t).aborted)
	assert.NoFileExists(t, path)
	assert.Equal(t, StateCancelled, h.sink.State())

	_, err = h.sink.FinishWriting(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFinishIsIdempotent(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(4, 2)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{}, size))
	require.NoError(t, h.sink.StartWriting())
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 1, time.Second)))

	path, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)
	again, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, again)

	h.sink.Cancel()
	assert.Equal(t, StateFinished, h.sink.State())
	assert.FileExists(t, path)
}

func TestCancelDiscardsOutput(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(4, 2)
	path := outPath(t, media.ContainerMOV)
	require.NoError(t, h.sink.Setup(context.Background(), path, media.EncodingConfiguration{}, size))
	require.NoError(t, h.sink.StartWriting())
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 1, 0)))
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 2, time.Second)))

	h.sink.Cancel()
	h.sink.Cancel()
	w := h.writer(t)
	assert.True(t, w.aborted)
	assert.False(t, w.finished)
	assert.NoFileExists(t, path)
	assert.Equal(t, StateCancelled, h.sink.State())

	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 3, 2*time.Second)))
	assert.Len(t, w.video, 1)

	got, err := h.sink.FinishWriting(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriterFailureSurfacesAndDiscards(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(4, 2)
	path := outPath(t, media.ContainerMOV)
	require.NoError(t, h.sink.Setup(context.Background(), path, media.EncodingConfiguration{}, size))
	require.NoError(t, h.sink.StartWriting())

	w := h.writer(t)
	broken := errors.New("broken pipe")
	w.mu.Lock()
	w.writeErr = broken
	w.mu.Unlock()

	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 1, 0)))
	err := h.sink.AppendVideoFrame(frame(size, 2, time.Second))
	var eerr *EncodingError
	require.ErrorAs(t, err, &eerr)
	assert.ErrorIs(t, err, broken)

	_, err = h.sink.FinishWriting(context.Background())
	assert.ErrorIs(t, err, broken)
	assert.True(t, w.aborted)
	assert.NoFileExists(t, path)

	_, err = h.sink.FinishWriting(context.Background())
	assert.ErrorIs(t, err, broken)
}

func TestMismatchedFrameIsLetterboxed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{}, image.Pt(8, 8)))
	require.NoError(t, h.sink.StartWriting())
	require.NoError(t, h.sink.AppendVideoFrame(frame(image.Pt(8, 4), 200, 0)))
	_, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)

	w := h.writer(t)
	require.Len(t, w.video, 1)
	data := w.video[0].data
	require.Len(t, data, 8*8*4)
	// Top row is the black bar, the middle row carries the picture.
	assert.Equal(t, []byte{0, 0, 0, 0xff}, data[0:4])
	mid := 4 * 8 * 4
	assert.Equal(t, byte(200), data[mid])
}

func TestHDRWidensEightBitFrames(t *testing.T) {
	h := newHarness(t)
	size := image.Pt(2, 2)
	require.NoError(t, h.sink.Setup(context.Background(), outPath(t, media.ContainerMOV), media.EncodingConfiguration{HDR: true}, size))
	require.NoError(t, h.sink.StartWriting())
	require.NoError(t, h.sink.AppendVideoFrame(frame(size, 0x80, 0)))
	_, err := h.sink.FinishWriting(context.Background())
	require.NoError(t, err)

	w := h.writer(t)
	require.Len(t, w.video, 1)
	assert.Len(t, w.video[0].data, 2*2*8)
	assert.Equal(t, []byte{0x80, 0x80}, w.video[0].data[:2])
}

func TestLetterbox(t *testing.T) {
	assert.Equal(t, image.Rect(0, 2, 8, 6), letterbox(image.Pt(8, 4), image.Pt(8, 8)))
	assert.Equal(t, image.Rect(2, 0, 6, 8), letterbox(image.Pt(4, 8), image.Pt(8, 8)))
	assert.Equal(t, image.Rect(0, 0, 1920, 1080), letterbox(image.Pt(3840, 2160), image.Pt(1920, 1080)))
}
