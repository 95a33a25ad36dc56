//go:build cgo

// Package gstcam opens cameras through a GStreamer pipeline:
//
//	v4l2src|autovideosrc → videoconvert → videoscale → videorate →
//	capsfilter(BGRA) → appsink
package gstcam

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"go2tv.app/screenrec/camera"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const startTimeout = 5 * time.Second

var initOnce sync.Once

// Driver implements camera.Driver.
type Driver struct {
	Logger *slog.Logger
}

// New returns a GStreamer camera driver.
func New(logger *slog.Logger) *Driver {
	return &Driver{Logger: logging.OrDefault(logger)}
}

func (d *Driver) Devices(ctx context.Context) ([]camera.DeviceInfo, error) {
	return Devices(ctx)
}

type device struct {
	id       string
	logger   *slog.Logger
	pipeline *gst.Pipeline

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	frames atomic.Uint64
}

func (d *Driver) Open(ctx context.Context, deviceID string, size image.Point, fps int, onFrame func(media.VideoFrame)) (camera.Device, error) {
	initOnce.Do(func() { gst.Init(nil) })
	logger := logging.OrDefault(d.Logger)

	pipeline, err := buildPipeline(deviceID, size, fps)
	if err != nil {
		return nil, err
	}
	dev := &device{
		id:       deviceID,
		logger:   logger,
		pipeline: pipeline.pipeline,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	start := time.Now()
	pipeline.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return dev.onSample(sink, size, start, onFrame)
		},
	})

	if err := pipeline.pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("gstcam: start %s: %w", deviceID, err)
	}
	if err := waitPlaying(ctx, pipeline.pipeline); err != nil {
		_ = pipeline.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("gstcam: start %s: %w", deviceID, err)
	}

	go dev.watchBus()
	return dev, nil
}

type elements struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
}

func buildPipeline(deviceID string, size image.Point, fps int) (*elements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create pipeline: %w", err)
	}

	var src *gst.Element
	if deviceID == "" || deviceID == AutoDevice {
		src, err = gst.NewElement("autovideosrc")
	} else {
		src, err = gst.NewElement("v4l2src")
		if err == nil {
			err = src.SetProperty("device", deviceID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("gstcam: create source: %w", err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create videorate: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create capsfilter: %w", err)
	}
	caps := fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d,framerate=%d/1", size.X, size.Y, fps)
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString(caps)); err != nil {
		return nil, fmt.Errorf("gstcam: set caps: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstcam: create appsink: %w", err)
	}
	// Only the newest frame matters.
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, convert, scale, rate, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstcam: add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, rate, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstcam: link elements: %w", err)
	}
	return &elements{pipeline: pipeline, sink: sink}, nil
}

// waitPlaying polls the bus until the pipeline reaches PLAYING or reports an
// error.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("%s: %s", gerr.Error(), gerr.DebugString())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("pipeline did not start within %s", startTimeout)
}

func (d *device) onSample(sink *app.Sink, size image.Point, start time.Time, onFrame func(media.VideoFrame)) gst.FlowReturn {
	select {
	case <-d.quit:
		return gst.FlowEOS
	default:
	}

	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 || size.Y == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// GStreamer reuses the buffer.
	pix := make([]byte, len(data))
	copy(pix, data)
	buffer.Unmap()

	stride := len(pix) / size.Y
	if stride < size.X*4 {
		d.logger.Debug("gstcam: short buffer", "bytes", len(pix), "size", size)
		return gst.FlowOK
	}
	d.frames.Add(1)
	onFrame(media.VideoFrame{
		Data:   pix,
		Width:  size.X,
		Height: size.Y,
		Stride: stride,
		Format: media.PixelFormatBGRA,
		PTS:    time.Since(start),
		Status: media.FrameComplete,
	})
	return gst.FlowOK
}

func (d *device) watchBus() {
	defer close(d.done)
	bus := d.pipeline.GetPipelineBus()
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			d.logger.Info("gstcam: end of stream", "device", d.id, "frames", d.frames.Load())
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			d.logger.Error("gstcam: pipeline error", "device", d.id, "error", gerr.Error(), "debug", gerr.DebugString())
			return
		}
	}
}

func (d *device) ID() string { return d.id }

// Close stops the pipeline. No frame is delivered after it returns.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		close(d.quit)
		<-d.done
		if err := d.pipeline.SetState(gst.StateNull); err != nil {
			d.closeErr = fmt.Errorf("gstcam: stop %s: %w", d.id, err)
		}
	})
	return d.closeErr
}
