package apis

import (
	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

func Call(callName string, args ...any) (any, error) {
	call, err := callOnObject(ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, err
}

func CallOnObject(path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(path, callName, args...)
	return err
}

func callOnObject(path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, path)
	call := obj.Call(callName, 0, args...)
	return call, call.Err
}

func GetProperty(interfaceName, property string) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, ObjectPath)
	call := obj.Call(PropertiesGetName, 0, interfaceName, property)
	if call.Err != nil {
		return nil, call.Err
	}

	var value any
	err = call.Store(&value)
	return value, err
}

// Subscription is a signal match registered on the shared session bus.
// Cancel removes both the match rule and the channel.
type Subscription struct {
	C <-chan *dbus.Signal

	conn    *dbus.Conn
	ch      chan *dbus.Signal
	options []dbus.MatchOption
}

func (s *Subscription) Cancel() {
	if s == nil || s.conn == nil {
		return
	}
	_ = s.conn.RemoveMatchSignal(s.options...)
	s.conn.RemoveSignal(s.ch)
}

// ListenOnSignal subscribes to signalName on iface. An empty path matches
// every object.
func ListenOnSignal(path dbus.ObjectPath, iface, signalName string) (*Subscription, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	options := []dbus.MatchOption{
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(signalName),
	}
	if path != "" {
		options = append(options, dbus.WithMatchObjectPath(path))
	}
	if err := conn.AddMatchSignal(options...); err != nil {
		return nil, err
	}

	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	return &Subscription{C: ch, conn: conn, ch: ch, options: options}, nil
}
