// Package notify tells the user how a recording ended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/convert"
	"go2tv.app/screenrec/internal/logging"
)

const (
	notificationsName = "org.freedesktop.Notifications"
	notificationsPath = "/org/freedesktop/Notifications"
	notifyMethod      = notificationsName + ".Notify"

	defaultAppName = "Screen Recorder"
	callTimeout    = 3 * time.Second
)

// Urgency hint values understood by org.freedesktop.Notifications.
const (
	UrgencyLow      byte = 0
	UrgencyNormal   byte = 1
	UrgencyCritical byte = 2
)

// Notifier matches the recorder's notification boundary.
type Notifier interface {
	RecordingSaved(path string, duration time.Duration)
	RecordingFailed(err error)
	RecordingStoppedExternally(err error)
}

// Message is one desktop notification.
type Message struct {
	Summary  string
	Body     string
	Urgency  byte
	Category string
}

// Saved, Failed and StoppedExternally build the messages both notifiers
// share.
func Saved(path string, duration time.Duration) Message {
	return Message{
		Summary:  "Recording saved",
		Body:     fmt.Sprintf("%s (%s)", filepath.Base(path), duration.Round(time.Second)),
		Urgency:  UrgencyNormal,
		Category: "transfer.complete",
	}
}

func Failed(err error) Message {
	return Message{
		Summary:  "Recording failed",
		Body:     errorText(err),
		Urgency:  UrgencyCritical,
		Category: "transfer.error",
	}
}

func StoppedExternally(err error) Message {
	return Message{
		Summary:  "Recording stopped",
		Body:     "Screen sharing ended unexpectedly. The recording was discarded. " + errorText(err),
		Urgency:  UrgencyCritical,
		Category: "transfer.error",
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) send(m Message) {
	logger := logging.OrDefault(l.Logger)
	level := slog.LevelInfo
	if m.Urgency == UrgencyCritical {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "notify: "+m.Summary, "body", m.Body)
}

func (l Log) RecordingSaved(path string, d time.Duration) { l.send(Saved(path, d)) }
func (l Log) RecordingFailed(err error)                   { l.send(Failed(err)) }
func (l Log) RecordingStoppedExternally(err error)        { l.send(StoppedExternally(err)) }

// Caller is the subset of dbus.BusObject used to post notifications.
type Caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// DBus posts org.freedesktop.Notifications messages. Failures are logged and
// never returned; a missing notification daemon must not affect recording.
type DBus struct {
	AppName string
	Icon    string
	// Timeout is the expiry in milliseconds; -1 lets the server decide.
	Timeout int32
	Logger  *slog.Logger

	obj Caller

	mu     sync.Mutex
	lastID uint32
}

// NewDBus connects to the session bus.
func NewDBus(logger *slog.Logger) (*DBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: session bus: %w", err)
	}
	return NewDBusWithCaller(conn.Object(notificationsName, notificationsPath), logger), nil
}

// NewDBusWithCaller posts through obj.
func NewDBusWithCaller(obj Caller, logger *slog.Logger) *DBus {
	return &DBus{
		AppName: defaultAppName,
		Icon:    "media-record",
		Timeout: -1,
		Logger:  logging.OrDefault(logger),
		obj:     obj,
	}
}

// Send posts m and returns the server's notification ID. Each message
// replaces the previous one from this notifier.
func (d *DBus) Send(ctx context.Context, m Message) (uint32, error) {
	if d.obj == nil {
		return 0, errors.New("notify: not connected")
	}
	hints := map[string]dbus.Variant{
		"urgency": convert.FromByte(m.Urgency),
	}
	if m.Category != "" {
		hints["category"] = convert.FromString(m.Category)
	}
	if m.Urgency != UrgencyCritical {
		hints["transient"] = convert.FromBool(true)
	}

	d.mu.Lock()
	replaces := d.lastID
	d.mu.Unlock()

	call := d.obj.CallWithContext(ctx, notifyMethod, 0,
		d.AppName,
		replaces,
		d.Icon,
		m.Summary,
		m.Body,
		[]string{},
		hints,
		d.Timeout,
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify: reply: %w", err)
	}
	d.mu.Lock()
	d.lastID = id
	d.mu.Unlock()
	return id, nil
}

func (d *DBus) post(m Message) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := d.Send(ctx, m); err != nil {
		d.Logger.Warn("notify: desktop notification failed", "summary", m.Summary, "error", err)
	}
}

func (d *DBus) RecordingSaved(path string, dur time.Duration) { d.post(Saved(path, dur)) }
func (d *DBus) RecordingFailed(err error)                     { d.post(Failed(err)) }
func (d *DBus) RecordingStoppedExternally(err error)          { d.post(StoppedExternally(err)) }

// Multi fans out to every notifier in order.
type Multi []Notifier

func (m Multi) RecordingSaved(path string, d time.Duration) {
	for _, n := range m {
		n.RecordingSaved(path, d)
	}
}

func (m Multi) RecordingFailed(err error) {
	for _, n := range m {
		n.RecordingFailed(err)
	}
}

func (m Multi) RecordingStoppedExternally(err error) {
	for _, n := range m {
		n.RecordingStoppedExternally(err)
	}
}
