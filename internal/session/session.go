package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/apis"
	"go2tv.app/screenrec/internal/convert"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closedMember  = "Closed"
	closeCallName = interfaceName + ".Close"
)

func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

func GenerateToken() dbus.Variant {
	str := strings.Builder{}
	str.WriteString("screenrec")
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<16))
	str.WriteString(strconv.FormatUint(a.Uint64(), 16))
	return convert.FromString(str.String())
}

// WatchClosed returns a channel closed when the portal emits Closed for the
// session at path, which happens when the user stops sharing from the
// desktop. The watch ends when ctx is done.
func WatchClosed(ctx context.Context, path dbus.ObjectPath) (<-chan struct{}, error) {
	sub, err := apis.ListenOnSignal(path, interfaceName, closedMember)
	if err != nil {
		return nil, err
	}

	closed := make(chan struct{})
	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sub.C:
				if !ok {
					return
				}
				if sig.Path == path {
					close(closed)
					return
				}
			}
		}
	}()
	return closed, nil
}
