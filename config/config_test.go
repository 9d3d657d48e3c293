package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "config")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "config.yaml")
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ATT.MTU != 185 {
		t.Fatalf("att mtu = %d", cfg.ATT.MTU)
	}
	if cfg.HCI.CommandTimeout() != 3*time.Second {
		t.Fatalf("command timeout = %s", cfg.HCI.CommandTimeout())
	}
	if cfg.CoC.MTU != 512 || cfg.CoC.MPS != 247 || cfg.CoC.InitialCredits != 4 {
		t.Fatal("coc defaults wrong")
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "att:\n  mtu: 247\nsmp:\n  mitm: true\n  ioCapability: keyboarddisplay\n")

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ATT.MTU != 247 {
		t.Fatalf("att mtu = %d", cfg.ATT.MTU)
	}
	if !cfg.SMP.MITM {
		t.Fatal("mitm not set")
	}
	// untouched sections keep their defaults
	if cfg.CoC.MTU != 512 {
		t.Fatalf("coc mtu = %d", cfg.CoC.MTU)
	}
	if !cfg.SMP.Bonding || !cfg.SMP.SecureConnections {
		t.Fatal("smp defaults lost")
	}
	io, err := cfg.SMP.IOCap()
	if err != nil {
		t.Fatal(err)
	}
	if io != 0x04 {
		t.Fatalf("io cap = 0x%02X", io)
	}
}

func TestRejectsOutOfRange(t *testing.T) {
	cases := []string{
		"att:\n  mtu: 10\n",
		"coc:\n  mps: 1024\n",
		"coc:\n  initialCredits: 0\n",
		"smp:\n  maxKeySize: 3\n",
		"smp:\n  ioCapability: telepathy\n",
	}
	for _, body := range cases {
		path := writeConfig(t, body)
		if _, err := ReadConfig(path); err == nil {
			t.Errorf("accepted %q", body)
		}
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := ReadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestIOCapNames(t *testing.T) {
	names := map[string]byte{
		"displayonly":     0x00,
		"displayyesno":    0x01,
		"keyboardonly":    0x02,
		"noinputnooutput": 0x03,
		"keyboarddisplay": 0x04,
		"":                0x03,
	}
	for name, want := range names {
		got, err := SMP{IOCapability: name, MaxKeySize: 16}.IOCap()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%q = 0x%02X, want 0x%02X", name, got, want)
		}
	}
}
