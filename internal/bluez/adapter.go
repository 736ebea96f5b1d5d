// Package bluez binds the pairer to the Linux Bluetooth stack over D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/pairer"
)

// Adapter is a BlueZ Adapter1 with a registered pairing agent.
type Adapter struct {
	conn  *dbus.Conn
	path  dbus.ObjectPath
	log   *slog.Logger
	agent *agent

	signals chan *dbus.Signal
	done    chan struct{}

	mu        sync.Mutex
	observers []pairer.AdapterObserver
	devices   map[dbus.ObjectPath]*Device
}

// Open connects to the system bus, checks that the named adapter exists,
// and registers a DisplayYesNo agent as the default agent.
func Open(ctx context.Context, name string, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connecting to system bus: %w", err)
	}

	a := &Adapter{
		conn:    conn,
		path:    AdapterPath(name),
		log:     log,
		agent:   newAgent(log),
		signals: make(chan *dbus.Signal, 32),
		done:    make(chan struct{}),
		devices: make(map[dbus.ObjectPath]*Device),
	}

	objects, err := a.managedObjects(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, ok := objects[a.path][adapterIface]; !ok {
		conn.Close()
		return nil, fmt.Errorf("bluez: adapter %s not found", a.path)
	}

	if err := conn.Export(a.agent, agentPath, agentIface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: exporting agent: %w", err)
	}
	mgr := conn.Object(service, rootPath)
	if err := mgr.CallWithContext(ctx, agentManagerIface+".RegisterAgent", 0, agentPath, "DisplayYesNo").Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: registering agent: %w", err)
	}
	if err := mgr.CallWithContext(ctx, agentManagerIface+".RequestDefaultAgent", 0, agentPath).Err; err != nil {
		log.Warn("[BlueZ] could not become the default agent", "error", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(a.path),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: subscribing to property changes: %w", err)
	}
	conn.Signal(a.signals)
	go a.watch()

	log.Info("[BlueZ] adapter ready", "path", a.path)
	return a, nil
}

// SetPrompt sets the handler for passkey requests that no Pair call owns,
// such as the ones raised by ShowPairingDialog.
func (a *Adapter) SetPrompt(p func(address string, passkey uint32) bool) {
	a.agent.setPrompt(p)
}

// Close unregisters the agent and disconnects from the bus.
func (a *Adapter) Close() error {
	_ = a.conn.Object(service, rootPath).Call(agentManagerIface+".UnregisterAgent", 0, agentPath).Err
	a.conn.RemoveSignal(a.signals)
	close(a.done)
	return a.conn.Close()
}

func (a *Adapter) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	err := a.conn.Object(service, "/").CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("bluez: listing objects: %w", err)
	}
	return objects, nil
}

func (a *Adapter) device(path dbus.ObjectPath, address string) *Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[path]; ok {
		return d
	}
	d := &Device{adapter: a, path: path, address: fastpair.NormalizeAddress(address)}
	a.devices[path] = d
	return d
}

func (a *Adapter) GetDevice(address string) (pairer.BluetoothDevice, bool) {
	objects, err := a.managedObjects(context.Background())
	if err != nil {
		a.log.Warn("[BlueZ] device lookup failed", "error", err)
		return nil, false
	}
	path, ok := findDevice(objects, a.path, address)
	if !ok {
		return nil, false
	}
	return a.device(path, address), true
}

// ConnectDevice uses the Adapter1.ConnectDevice call, which BlueZ only
// offers when bluetoothd runs with --experimental.
func (a *Adapter) ConnectDevice(ctx context.Context, address string) (pairer.BluetoothDevice, error) {
	params := map[string]dbus.Variant{
		"Address":     dbus.MakeVariant(fastpair.NormalizeAddress(address)),
		"AddressType": dbus.MakeVariant("public"),
	}
	var path dbus.ObjectPath
	err := a.conn.Object(service, a.path).CallWithContext(ctx, adapterIface+".ConnectDevice", 0, params).Store(&path)
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && strings.HasSuffix(dbusErr.Name, ".AlreadyExists") {
			if d, ok := a.GetDevice(address); ok {
				return d, nil
			}
		}
		return nil, fmt.Errorf("bluez: connect %s: %w", address, err)
	}
	a.log.Info("[BlueZ] device connected", "device", address, "path", path)
	return a.device(path, address), nil
}

// ShowPairingDialog starts a Pair call with no Fast Pair delegate; passkey
// requests go to the prompt set with SetPrompt. A failed call is reported
// to observers through DevicePairingFailed.
func (a *Adapter) ShowPairingDialog(address string) error {
	path := DevicePath(a.path, address)
	if d, ok := a.GetDevice(address); ok {
		path = d.(*Device).path
	}
	call := a.conn.Object(service, path).Go(deviceIface+".Pair", 0, make(chan *dbus.Call, 1))
	if call.Err != nil {
		return fmt.Errorf("bluez: pair %s: %w", address, call.Err)
	}
	go func() {
		<-call.Done
		a.legacyPairDone(address, call.Err)
	}()
	return nil
}

func (a *Adapter) legacyPairDone(address string, err error) {
	if err == nil {
		return
	}
	a.log.Warn("[BlueZ] legacy pairing failed", "device", address, "error", err)
	err = fmt.Errorf("bluez: pair %s: %w", address, err)
	for _, o := range a.snapshotObservers() {
		o.DevicePairingFailed(fastpair.NormalizeAddress(address), err)
	}
}

func (a *Adapter) snapshotObservers() []pairer.AdapterObserver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pairer.AdapterObserver(nil), a.observers...)
}

func (a *Adapter) AddObserver(o pairer.AdapterObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

func (a *Adapter) RemoveObserver(o pairer.AdapterObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.observers {
		if existing == o {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

func (a *Adapter) watch() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			a.dispatch(sig)
		}
	}
}

func (a *Adapter) dispatch(sig *dbus.Signal) {
	path, paired, ok := pairedChange(sig)
	if !ok {
		return
	}
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	a.log.Debug("[BlueZ] paired changed", "device", addr, "paired", paired)
	dev := a.device(path, addr)

	for _, o := range a.snapshotObservers() {
		o.DevicePairedChanged(dev, paired)
	}
}

var _ pairer.BluetoothAdapter = (*Adapter)(nil)
