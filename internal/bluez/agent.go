package bluez

import (
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// confirmTimeout bounds how long a passkey confirmation may stay open;
// BlueZ itself gives up on the agent call after about 25 seconds.
const confirmTimeout = 20 * time.Second

// confirmation is one open passkey request.
type confirmation struct {
	passkey  uint32
	decision chan bool
}

// agent is exported on the bus as org.bluez.Agent1. Requests for devices
// with an active Pair call are routed to that call's handler; the rest go
// to prompt.
type agent struct {
	log *slog.Logger

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]func(passkey uint32) *confirmation
	prompt   func(address string, passkey uint32) bool
}

func newAgent(log *slog.Logger) *agent {
	return &agent{log: log, handlers: make(map[dbus.ObjectPath]func(uint32) *confirmation)}
}

func (a *agent) setHandler(path dbus.ObjectPath, h func(passkey uint32) *confirmation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.handlers, path)
		return
	}
	a.handlers[path] = h
}

func (a *agent) setPrompt(p func(address string, passkey uint32) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompt = p
}

func (a *agent) Release() *dbus.Error {
	a.log.Info("[BlueZ] agent released")
	return nil
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.mu.Lock()
	handler := a.handlers[device]
	prompt := a.prompt
	a.mu.Unlock()

	if handler == nil {
		addr, _ := AddressFromPath(device)
		if prompt != nil && prompt(addr, passkey) {
			return nil
		}
		a.log.Info("[BlueZ] rejecting passkey request", "device", device)
		return dbus.NewError(errRejected, nil)
	}

	c := handler(passkey)
	select {
	case ok := <-c.decision:
		if ok {
			return nil
		}
		return dbus.NewError(errRejected, nil)
	case <-time.After(confirmTimeout):
		a.log.Warn("[BlueZ] passkey confirmation timed out", "device", device)
		return dbus.NewError(errCanceled, nil)
	}
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return nil
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	return "", dbus.NewError(errRejected, nil)
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, dbus.NewError(errRejected, nil)
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

func (a *agent) Cancel() *dbus.Error {
	a.log.Info("[BlueZ] pairing request cancelled by the stack")
	return nil
}
