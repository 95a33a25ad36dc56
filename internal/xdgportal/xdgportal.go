// Package xdgportal is a client for org.freedesktop.portal.ScreenCast.
package xdgportal

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/apis"
	"go2tv.app/screenrec/internal/convert"
	"go2tv.app/screenrec/internal/request"
	"go2tv.app/screenrec/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

var (
	// ErrCancelled is returned when the user dismisses a portal dialog.
	ErrCancelled = errors.New("portal request cancelled")
	// ErrDenied is returned when the portal ends a request without asking,
	// usually because screen sharing is not permitted.
	ErrDenied = errors.New("portal request denied")
)

func getUint32Property(property string) (uint32, error) {
	value, err := apis.GetProperty(interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes() (uint32, error) {
	return getUint32Property("AvailableSourceTypes")
}

func GetAvailableCursorModes() (uint32, error) {
	return getUint32Property("AvailableCursorModes")
}

// Stream is one PipeWire node granted by Start. Position and Size are in
// logical (compositor) pixels.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

type Session struct {
	Path         dbus.ObjectPath
	sessionToken string
}

type Options struct {
	HandleToken        string
	SessionHandleToken string
}

type SelectSourcesOptions struct {
	HandleToken  string
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// StartResult carries the granted streams and, when persistence was
// requested, a token that skips the dialog next time.
type StartResult struct {
	Streams      []Stream
	RestoreToken string
}

func awaitResponse(ctx context.Context, call string, result any) (map[string]dbus.Variant, error) {
	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type %T", call, result)
	}

	status, results, err := request.OnSignalResponse(ctx, requestPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call, err)
	}
	switch status {
	case request.Success:
		return results, nil
	case request.Cancelled:
		return nil, ErrCancelled
	default:
		return nil, fmt.Errorf("%s: %w (status %d)", call, ErrDenied, status)
	}
}

func CreateSession(ctx context.Context, options *Options) (*Session, error) {
	data := map[string]dbus.Variant{
		"session_handle_token": session.GenerateToken(),
	}
	if options != nil {
		if options.HandleToken != "" {
			data["handle_token"] = convert.FromString(options.HandleToken)
		}
		if options.SessionHandleToken != "" {
			data["session_handle_token"] = convert.FromString(options.SessionHandleToken)
		}
	}

	result, err := apis.Call(createSessionName, data)
	if err != nil {
		return nil, err
	}
	results, err := awaitResponse(ctx, "CreateSession", result)
	if err != nil {
		return nil, err
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	var sessionPath dbus.ObjectPath
	switch v := sessionHandle.Value().(type) {
	case string:
		sessionPath = dbus.ObjectPath(v)
	case dbus.ObjectPath:
		sessionPath = v
	default:
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", v)
	}
	token := ""
	if options != nil {
		token = options.HandleToken
	}
	return &Session{Path: sessionPath, sessionToken: token}, nil
}

func (s *Session) SelectSources(ctx context.Context, options *SelectSourcesOptions) error {
	data := map[string]dbus.Variant{}
	if s.sessionToken != "" {
		data["handle_token"] = convert.FromString(s.sessionToken)
	}
	if options != nil {
		if options.HandleToken != "" {
			data["handle_token"] = convert.FromString(options.HandleToken)
		}
		if options.Types != 0 {
			data["types"] = convert.FromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = convert.FromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = convert.FromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = convert.FromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = convert.FromUint32(options.PersistMode)
		}
	}

	result, err := apis.Call(selectSourcesName, s.Path, data)
	if err != nil {
		return err
	}
	_, err = awaitResponse(ctx, "SelectSources", result)
	return err
}

// Start shows the source picker. It returns ErrCancelled when the user
// dismisses it.
func (s *Session) Start(ctx context.Context, parentWindow string) (*StartResult, error) {
	data := map[string]dbus.Variant{}
	if s.sessionToken != "" {
		data["handle_token"] = convert.FromString(s.sessionToken)
	}

	result, err := apis.Call(startName, s.Path, parentWindow, data)
	if err != nil {
		return nil, err
	}
	results, err := awaitResponse(ctx, "Start", result)
	if err != nil {
		return nil, err
	}

	out := &StartResult{}
	if token, ok := results["restore_token"]; ok {
		if v, ok := token.Value().(string); ok {
			out.RestoreToken = v
		}
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return out, nil
	}
	out.Streams = parseStreams(streamVariant.Value())
	return out, nil
}

func parseStreams(value any) []Stream {
	var rawStreams [][]any
	switch rs := value.(type) {
	case [][]any:
		rawStreams = rs
	case []any:
		rawStreams = make([][]any, 0, len(rs))
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams = append(rawStreams, s)
			}
		}
	default:
		return nil
	}

	streams := make([]Stream, 0, len(rawStreams))
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		props, ok := streamSlice[1].(map[string]dbus.Variant)
		if ok {
			if pos, ok := props["position"]; ok {
				if position, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsedType, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsedType
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsedID, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsedID
				}
			}
			if id, ok := props["id"]; ok {
				if parsedID, ok := id.Value().(string); ok {
					stream.ID = parsedID
				}
			}
		}

		streams = append(streams, stream)
	}
	return streams
}

// OpenPipeWireRemote returns a file descriptor connected to the PipeWire
// daemon with access to this session's nodes. The caller owns the fd.
func (s *Session) OpenPipeWireRemote() (int, error) {
	data := map[string]dbus.Variant{}

	conn, err := dbus.SessionBus()
	if err != nil {
		return -1, err
	}

	obj := conn.Object(apis.ObjectName, apis.ObjectPath)
	call := obj.Call(openPipeWireRemote, 0, s.Path, data)
	if call.Err != nil {
		return -1, call.Err
	}

	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return -1, err
	}
	return int(fd), nil
}

// WatchClosed reports when the portal closes the session on its own.
func (s *Session) WatchClosed(ctx context.Context) (<-chan struct{}, error) {
	return session.WatchClosed(ctx, s.Path)
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}

func (s *Session) Close() error {
	return session.Close(s.Path)
}
