package ble

import "testing"

func TestTinyGoTypesImplementInterfaces(t *testing.T) {
	var _ Adapter = NewTinyGoAdapter()
	var _ Characteristic = (*tinyGoCharacteristic)(nil)
	var _ Connection = (*tinyGoConnection)(nil)
}
