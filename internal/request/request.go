package request

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

// OnSignalResponse waits for the Response signal of the request at path. If
// ctx ends first the request is closed and ctx.Err() returned.
func OnSignalResponse(ctx context.Context, path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	sub, err := apis.ListenOnSignal(path, interfaceName, responseMember)
	if err != nil {
		return Ended, nil, err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			_ = Close(path)
			return Ended, nil, ctx.Err()
		case response, ok := <-sub.C:
			if !ok {
				return Ended, nil, ErrUnexpectedResponse
			}
			if response.Path != path {
				continue
			}
			return parseResponse(response.Body)
		}
	}
}

func parseResponse(body []any) (ResponseStatus, map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return Ended, nil, ErrUnexpectedResponse
	}

	status, ok := body[0].(ResponseStatus)
	if !ok {
		return Ended, nil, ErrUnexpectedResponse
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return Ended, nil, ErrUnexpectedResponse
	}
	return status, results, nil
}
