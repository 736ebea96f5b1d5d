package fastpair

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    [6]byte
		wantErr bool
	}{
		{in: "AA:BB:CC:DD:EE:FF", want: [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}},
		{in: "01:02:03:0a:0b:0c", want: [6]byte{1, 2, 3, 0x0a, 0x0b, 0x0c}},
		{in: "01:02:03:04:05", wantErr: true},
		{in: "01:02:03:04:05:GG", wantErr: true},
		{in: "001:02:03:04:05:06", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatAddressRoundTrip(t *testing.T) {
	addr := "0C:1D:2E:3F:40:51"
	b, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if got := FormatAddress(b); got != addr {
		t.Errorf("FormatAddress() = %q, want %q", got, addr)
	}
}

func TestDeviceMutableFields(t *testing.T) {
	d := NewDevice("718C17", "aa:bb:cc:dd:ee:ff", ProtocolInitial)
	if d.BLEAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("BLEAddress = %q, want normalized", d.BLEAddress)
	}
	if d.ClassicAddress() != "" {
		t.Errorf("ClassicAddress() = %q, want empty", d.ClassicAddress())
	}
	d.SetClassicAddress("11:22:33:44:55:66")
	if d.ClassicAddress() != "11:22:33:44:55:66" {
		t.Errorf("ClassicAddress() = %q", d.ClassicAddress())
	}
	if _, ok := d.AccountKey(); ok {
		t.Error("AccountKey() should be unset")
	}
	k, err := NewAccountKey()
	if err != nil {
		t.Fatalf("NewAccountKey() error = %v", err)
	}
	d.SetAccountKey(k)
	got, ok := d.AccountKey()
	if !ok || got != k {
		t.Errorf("AccountKey() = %v, %v; want %v, true", got, ok, k)
	}
}

func TestDeviceLogValue(t *testing.T) {
	d := NewDevice("718C17", "aa:bb:cc:dd:ee:ff", ProtocolRetroactive)
	classic := func() string {
		for _, a := range d.LogValue().Group() {
			if a.Key == "classic" {
				return a.Value.String()
			}
		}
		t.Fatal("LogValue() has no classic attr")
		return ""
	}
	if got := classic(); got != "" {
		t.Errorf("classic = %q before the address is known", got)
	}
	d.SetClassicAddress("11:22:33:44:55:66")
	if got := classic(); got != "11:22:33:44:55:66" {
		t.Errorf("classic = %q, want the address set after creation", got)
	}
}

func TestNewAccountKeyPrefix(t *testing.T) {
	for i := 0; i < 10; i++ {
		k, err := NewAccountKey()
		if err != nil {
			t.Fatalf("NewAccountKey() error = %v", err)
		}
		if k[0] != 0x04 {
			t.Fatalf("k[0] = 0x%02x, want 0x04", k[0])
		}
	}
}

func TestParseAccountKey(t *testing.T) {
	k, err := NewAccountKey()
	if err != nil {
		t.Fatalf("NewAccountKey() error = %v", err)
	}
	got, err := ParseAccountKey(k.String())
	if err != nil {
		t.Fatalf("ParseAccountKey() error = %v", err)
	}
	if got != k {
		t.Errorf("ParseAccountKey() = %v, want %v", got, k)
	}
	if _, err := ParseAccountKey("0411"); err == nil {
		t.Error("ParseAccountKey() should reject short keys")
	}
}

func TestPairFailureIsError(t *testing.T) {
	err := fmt.Errorf("gatt: write passkey: %w", FailurePasskeyPairingCharacteristicWrite)
	var f PairFailure
	if !errors.As(err, &f) {
		t.Fatal("errors.As() should find PairFailure")
	}
	if f != FailurePasskeyPairingCharacteristicWrite {
		t.Errorf("failure = %v, want %v", f, FailurePasskeyPairingCharacteristicWrite)
	}
	if f.String() != "PasskeyPairingCharacteristicWrite" {
		t.Errorf("String() = %q", f.String())
	}
}

func TestPairFailureNamesAreDistinct(t *testing.T) {
	seen := make(map[string]PairFailure)
	for f := FailureCreateGattConnection; f <= FailurePairingTimeout; f++ {
		name := f.String()
		if prev, ok := seen[name]; ok {
			t.Errorf("%d and %d share name %q", prev, f, name)
		}
		seen[name] = f
	}
}

func TestOptInStatusText(t *testing.T) {
	for _, s := range []OptInStatus{OptInUnknown, OptedIn, OptedOut} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got OptInStatus
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v = %v", s, got)
		}
	}
	if _, err := ParseOptInStatus("maybe"); err == nil {
		t.Error("ParseOptInStatus(maybe) should fail")
	}
}

func TestSessionAllowsAccountKeys(t *testing.T) {
	tests := []struct {
		name    string
		session SessionInfo
		want    bool
	}{
		{"regular", SessionInfo{LoggedIn: true}, true},
		{"signed out", SessionInfo{}, false},
		{"guest", SessionInfo{LoggedIn: true, Guest: true}, false},
		{"kiosk", SessionInfo{LoggedIn: true, Kiosk: true}, false},
		{"locked", SessionInfo{LoggedIn: true, Locked: true}, false},
	}
	for _, tt := range tests {
		if got := tt.session.AllowsAccountKeys(); got != tt.want {
			t.Errorf("%s: AllowsAccountKeys() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
