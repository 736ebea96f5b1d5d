package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

const (
	service = "org.bluez"

	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	agentIface         = "org.bluez.Agent1"
	agentManagerIface  = "org.bluez.AgentManager1"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"

	rootPath  dbus.ObjectPath = "/org/bluez"
	agentPath dbus.ObjectPath = "/io/github/chaz8081/fastpair/agent"

	errRejected = "org.bluez.Error.Rejected"
	errCanceled = "org.bluez.Error.Canceled"
)

// AdapterPath returns the object path of a named adapter, e.g. "hci0".
func AdapterPath(name string) dbus.ObjectPath {
	return rootPath + "/" + dbus.ObjectPath(name)
}

// DevicePath returns the object path BlueZ uses for address under adapter.
func DevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	addr := strings.ReplaceAll(fastpair.NormalizeAddress(address), ":", "_")
	return adapter + "/dev_" + dbus.ObjectPath(addr)
}

// AddressFromPath extracts the device address from a device object path.
func AddressFromPath(path dbus.ObjectPath) (string, bool) {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return "", false
	}
	addr := strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
	if _, err := fastpair.ParseAddress(addr); err != nil {
		return "", false
	}
	return addr, true
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// findDevice returns the path of the Device1 object under adapter whose
// Address property matches address.
func findDevice(objects managedObjects, adapter dbus.ObjectPath, address string) (dbus.ObjectPath, bool) {
	want := fastpair.NormalizeAddress(address)
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if a, ok := props["Adapter"]; ok {
			if p, ok := a.Value().(dbus.ObjectPath); ok && p != adapter {
				continue
			}
		}
		addr, ok := props["Address"]
		if !ok {
			continue
		}
		if s, ok := addr.Value().(string); ok && fastpair.NormalizeAddress(s) == want {
			return path, true
		}
	}
	return "", false
}

// pairedChange decodes a PropertiesChanged signal that carries a Device1
// Paired update.
func pairedChange(sig *dbus.Signal) (dbus.ObjectPath, bool, bool) {
	if sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return "", false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return "", false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false, false
	}
	v, ok := changed["Paired"]
	if !ok {
		return "", false, false
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return "", false, false
	}
	return sig.Path, paired, true
}
