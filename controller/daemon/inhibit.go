package daemon

import (
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
)

// inhibitSleep takes a logind sleep/idle inhibitor lock. The lock is held
// until the returned file is closed.
func inhibitSleep(reason string) (io.Closer, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var fd dbus.UnixFD
	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	call := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0, "sleep:idle", "autofoss", reason, "block")
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("logind inhibit: %w", err)
	}
	return os.NewFile(uintptr(fd), "autofoss-inhibit"), nil
}
