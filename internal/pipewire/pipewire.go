//go:build linux && cgo

package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/audio/format-utils.h>
#include <spa/param/format-utils.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>
#include <stdio.h>

static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_quit)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_run)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static struct pw_core * (*d_pw_context_connect)(struct pw_context *context, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }

    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_main_loop_new = dlsym(pw_lib_handle, "pw_main_loop_new");
    d_pw_main_loop_get_loop = dlsym(pw_lib_handle, "pw_main_loop_get_loop");
    d_pw_main_loop_quit = dlsym(pw_lib_handle, "pw_main_loop_quit");
    d_pw_main_loop_run = dlsym(pw_lib_handle, "pw_main_loop_run");
    d_pw_main_loop_destroy = dlsym(pw_lib_handle, "pw_main_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_context_connect = dlsym(pw_lib_handle, "pw_context_connect");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

    if (!d_pw_init || !d_pw_main_loop_new || !d_pw_stream_new || !d_pw_stream_connect) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }

    return 1;
}

extern void on_state_changed_go(int id, enum pw_stream_state old, enum pw_stream_state state, char *error);
extern void on_frame_go(int id, void *data, uint32_t size, int32_t stride);
extern void on_video_format_go(int id, uint32_t format, uint32_t width, uint32_t height);

struct go_stream_data {
    int id;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    on_state_changed_go(data->id, old, state, (char*)error);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    if (param == NULL || id != SPA_PARAM_Format) return;

    uint32_t media_type, media_subtype;
    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;
    if (media_type != SPA_MEDIA_TYPE_video || media_subtype != SPA_MEDIA_SUBTYPE_raw) return;

    struct spa_video_info_raw info;
    spa_zero(info);
    if (spa_format_video_raw_parse(param, &info) < 0) return;
    on_video_format_go(data->id, info.format, info.size.width, info.size.height);
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(data->stream);
    if (b == NULL) {
        return;
    }

    struct spa_buffer *buf = b->buffer;
    struct spa_data *d = &buf->datas[0];
    if (d->data != NULL && d->chunk != NULL && (d->chunk->flags & SPA_CHUNK_FLAG_CORRUPTED) == 0) {
        uint32_t offset = d->chunk->offset % d->maxsize;
        uint32_t size = d->chunk->size;
        if (size > d->maxsize - offset) size = d->maxsize - offset;
        if (size > 0) {
            on_frame_go(data->id, SPA_PTROFF(d->data, offset, void), size, d->chunk->stride);
        }
    }

    d_pw_stream_queue_buffer(data->stream, b);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

static struct pw_stream * new_stream(struct pw_core *core, const char *name, struct pw_properties *props, struct go_stream_data *data) {
    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

static inline struct pw_stream * create_video_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    return new_stream(core, name, d_pw_properties_new(
                PW_KEY_MEDIA_TYPE, "Video",
                PW_KEY_MEDIA_CATEGORY, "Capture",
                PW_KEY_MEDIA_ROLE, "Screen",
                NULL), data);
}

// Only 4-byte BGR layouts are offered so frames can be consumed as BGRA.
static inline int connect_video_stream(struct pw_stream *stream, uint32_t target_id, uint32_t width, uint32_t height, uint32_t framerate) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_VIDEO_format, SPA_POD_CHOICE_ENUM_Id(3,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRA),
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(width, height),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(framerate, 1),
            &SPA_FRACTION(0, 1),
            &SPA_FRACTION(1000, 1)));

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}

static inline struct pw_stream * create_sink_monitor_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    return new_stream(core, name, d_pw_properties_new(
                PW_KEY_MEDIA_TYPE, "Audio",
                PW_KEY_MEDIA_CATEGORY, "Capture",
                PW_KEY_STREAM_CAPTURE_SINK, "true",
                NULL), data);
}

static inline int connect_audio_stream(struct pw_stream *stream, uint32_t rate, uint32_t channels) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_audio),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_AUDIO_format, SPA_POD_Id(SPA_AUDIO_FORMAT_S16),
        SPA_FORMAT_AUDIO_rate, SPA_POD_Int(rate),
        SPA_FORMAT_AUDIO_channels, SPA_POD_Int(channels));

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        PW_ID_ANY,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}

static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_main_loop * wrap_pw_main_loop_new() { return d_pw_main_loop_new(NULL); }
static inline struct pw_context * wrap_pw_context_new(struct pw_main_loop *loop) { return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) { return d_pw_context_connect_fd(context, fd, NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect(struct pw_context *context) { return d_pw_context_connect(context, NULL, 0); }
static inline void wrap_pw_main_loop_run(struct pw_main_loop *loop) { d_pw_main_loop_run(loop); }
static inline void wrap_pw_main_loop_quit(struct pw_main_loop *loop) { d_pw_main_loop_quit(loop); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_pw_main_loop_destroy(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }
*/
import "C"
import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

var (
	ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")
	// ErrStreamFailed wraps the error text PipeWire reports with the
	// stream's error state.
	ErrStreamFailed = errors.New("pipewire stream failed")
	// ErrDisconnected is reported when a stream that was running drops back
	// to the unconnected state, typically because the node went away.
	ErrDisconnected = errors.New("pipewire stream disconnected")
)

// Stream is a PipeWire capture stream exposed as a byte reader. Video streams
// yield tightly packed BGRA rows; audio streams yield interleaved s16le.
type Stream struct {
	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	cData   *C.struct_go_stream_data

	id int
	pr *io.PipeReader
	pw *io.PipeWriter

	width     atomic.Uint32
	height    atomic.Uint32
	streaming atomic.Bool
	formatCh  chan struct{}
	formatSet sync.Once
	scratch   []byte

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	failOnce  sync.Once
	closeErr  error
}

var (
	streamsMu sync.Mutex
	streams   = make(map[int]*Stream)
	nextID    = 1
	libLoaded bool
	libMu     sync.Mutex
)

// IsAvailable checks if the PipeWire C library can be loaded.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

func newStream() *Stream {
	pr, pw := io.Pipe()
	s := &Stream{
		pr:       pr,
		pw:       pw,
		formatCh: make(chan struct{}),
	}

	streamsMu.Lock()
	s.id = nextID
	nextID++
	streamsMu.Unlock()
	return s
}

func (s *Stream) setupLoop() error {
	s.loop = C.wrap_pw_main_loop_new()
	if s.loop == nil {
		return fmt.Errorf("failed to create main loop")
	}
	s.context = C.wrap_pw_context_new(s.loop)
	if s.context == nil {
		return fmt.Errorf("failed to create context")
	}
	s.cData = (*C.struct_go_stream_data)(C.malloc(C.sizeof_struct_go_stream_data))
	s.cData.id = C.int(s.id)
	s.cData.stream = nil
	return nil
}

func (s *Stream) register() {
	streamsMu.Lock()
	streams[s.id] = s
	streamsMu.Unlock()
}

// NewVideoStream connects to nodeID through the portal remote fd. The size
// and frame rate are preferences; the negotiated size is reported by Size
// once Negotiated is closed.
func NewVideoStream(fd int, nodeID uint32, width, height, framerate uint32) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}
	if framerate == 0 {
		framerate = 60
	}

	s := newStream()
	s.width.Store(width)
	s.height.Store(height)

	// pw_context_connect_fd takes ownership of the fd it is given.
	dupFd, err := syscall.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd: %w", err)
	}
	defer func() {
		if dupFd >= 0 {
			_ = syscall.Close(dupFd)
		}
	}()

	cleanupOnError := func(err error) (*Stream, error) {
		_ = s.Close()
		return nil, err
	}

	if err := s.setupLoop(); err != nil {
		return cleanupOnError(err)
	}
	s.core = C.wrap_pw_context_connect_fd(s.context, C.int(dupFd))
	if s.core == nil {
		return cleanupOnError(fmt.Errorf("failed to connect fd"))
	}
	dupFd = -1

	name := C.CString("screenrec-video")
	defer C.free(unsafe.Pointer(name))

	s.register()
	stream := C.create_video_stream(s.core, name, s.cData)
	if stream == nil {
		return cleanupOnError(fmt.Errorf("failed to create stream"))
	}

	res := C.connect_video_stream(stream, C.uint32_t(nodeID), C.uint32_t(width), C.uint32_t(height), C.uint32_t(framerate))
	if res < 0 {
		return cleanupOnError(fmt.Errorf("failed to connect stream: %d", int(res)))
	}
	return s, nil
}

// NewSinkMonitorStream captures what the default audio sink is playing.
func NewSinkMonitorStream(rate, channels uint32) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}

	s := newStream()
	cleanupOnError := func(err error) (*Stream, error) {
		_ = s.Close()
		return nil, err
	}

	if err := s.setupLoop(); err != nil {
		return cleanupOnError(err)
	}
	s.core = C.wrap_pw_context_connect(s.context)
	if s.core == nil {
		return cleanupOnError(fmt.Errorf("failed to connect to pipewire daemon"))
	}

	name := C.CString("screenrec-system-audio")
	defer C.free(unsafe.Pointer(name))

	s.register()
	stream := C.create_sink_monitor_stream(s.core, name, s.cData)
	if stream == nil {
		return cleanupOnError(fmt.Errorf("failed to create audio stream"))
	}

	res := C.connect_audio_stream(stream, C.uint32_t(rate), C.uint32_t(channels))
	if res < 0 {
		return cleanupOnError(fmt.Errorf("failed to connect audio stream: %d", int(res)))
	}
	return s, nil
}

func (s *Stream) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			C.wrap_pw_main_loop_run(s.loop)
		}()
	})
}

func (s *Stream) Stop() {
	if s.loop != nil {
		C.wrap_pw_main_loop_quit(s.loop)
	}
}

// Negotiated is closed once the video format has been agreed.
func (s *Stream) Negotiated() <-chan struct{} {
	return s.formatCh
}

// Size returns the negotiated (or requested) frame size.
func (s *Stream) Size() (uint32, uint32) {
	return s.width.Load(), s.height.Load()
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *Stream) fail(err error) {
	s.failOnce.Do(func() {
		_ = s.pw.CloseWithError(err)
	})
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		streamsMu.Lock()
		delete(streams, s.id)
		streamsMu.Unlock()

		// Unblock a loop thread stuck writing into the pipe.
		_ = s.pr.Close()
		s.Stop()
		s.wg.Wait()

		s.fail(io.EOF)

		if s.cData != nil {
			if s.cData.stream != nil {
				C.wrap_pw_stream_destroy(s.cData.stream)
			}
			C.free(unsafe.Pointer(s.cData))
			s.cData = nil
		}
		if s.core != nil {
			C.wrap_pw_core_disconnect(s.core)
			s.core = nil
		}
		if s.context != nil {
			C.wrap_pw_context_destroy(s.context)
			s.context = nil
		}
		if s.loop != nil {
			C.wrap_pw_main_loop_destroy(s.loop)
			s.loop = nil
		}
	})

	return s.closeErr
}

func lookup(id C.int) *Stream {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	return streams[int(id)]
}

//export on_state_changed_go
func on_state_changed_go(id C.int, old C.enum_pw_stream_state, state C.enum_pw_stream_state, error *C.char) {
	s := lookup(id)
	if s == nil {
		return
	}

	switch state {
	case C.PW_STREAM_STATE_ERROR:
		msg := "unknown error"
		if error != nil {
			msg = C.GoString(error)
		}
		s.fail(fmt.Errorf("%w: %s", ErrStreamFailed, msg))
		s.Stop()
	case C.PW_STREAM_STATE_STREAMING:
		s.streaming.Store(true)
	case C.PW_STREAM_STATE_UNCONNECTED:
		if s.streaming.Load() {
			s.fail(ErrDisconnected)
			s.Stop()
		}
	}
}

//export on_video_format_go
func on_video_format_go(id C.int, format C.uint32_t, width C.uint32_t, height C.uint32_t) {
	s := lookup(id)
	if s == nil {
		return
	}
	s.width.Store(uint32(width))
	s.height.Store(uint32(height))
	s.formatSet.Do(func() { close(s.formatCh) })
}

//export on_frame_go
func on_frame_go(id C.int, data unsafe.Pointer, size C.uint32_t, stride C.int32_t) {
	s := lookup(id)
	if s == nil {
		return
	}

	byteSlice := unsafe.Slice((*byte)(data), int(size))
	row := int(s.width.Load()) * 4
	h := int(s.height.Load())
	st := int(stride)
	if row == 0 || st <= row || h == 0 || len(byteSlice) < st*(h-1)+row {
		_, _ = s.pw.Write(byteSlice)
		return
	}

	// Strip row padding so readers see packed frames.
	if cap(s.scratch) < row*h {
		s.scratch = make([]byte, row*h)
	}
	packed := s.scratch[:row*h]
	for y := 0; y < h; y++ {
		copy(packed[y*row:(y+1)*row], byteSlice[y*st:y*st+row])
	}
	_, _ = s.pw.Write(packed)
}
