package bond

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/corelink/bthost"
)

func tempStore(t *testing.T) bthost.BondManager {
	t.Helper()
	dir, err := ioutil.TempDir("", "bonds")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return NewManager(filepath.Join(dir, "bonds.json"))
}

func sampleLTK() []byte {
	ltk := make([]byte, 16)
	for i := range ltk {
		ltk[i] = byte(i + 1)
	}
	return ltk
}

func TestSaveFindRoundTrip(t *testing.T) {
	m := tempStore(t)

	in := bthost.NewBondInfo(sampleLTK(), 0x1234, 0x1122334455667788, true)
	if err := m.Save("aa:bb:cc:dd:ee:ff", in); err != nil {
		t.Fatal(err)
	}

	if !m.Exists("aa:bb:cc:dd:ee:ff") {
		t.Fatal("saved bond does not exist")
	}

	out, err := m.Find("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.LongTermKey(), in.LongTermKey()) {
		t.Fatalf("LTK = %x", out.LongTermKey())
	}
	if out.EDiv() != 0x1234 || out.Random() != 0x1122334455667788 {
		t.Fatal("EDiv/Rand did not survive the round trip")
	}
	if !out.Legacy() {
		t.Fatal("legacy flag lost")
	}
	if out.Authenticated() {
		t.Fatal("unauthenticated bond marked authenticated")
	}
}

func TestAuthenticatedBondKeepsIdentityKey(t *testing.T) {
	m := tempStore(t)

	irk := make([]byte, 16)
	for i := range irk {
		irk[i] = 0xA0 + byte(i)
	}
	in := bthost.NewAuthenticatedBondInfo(sampleLTK(), 0, 0, false, irk)
	if err := m.Save("11:22:33:44:55:66", in); err != nil {
		t.Fatal(err)
	}

	out, err := m.Find("11:22:33:44:55:66")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Authenticated() {
		t.Fatal("authenticated flag lost")
	}
	if !bytes.Equal(out.IdentityKey(), irk) {
		t.Fatalf("IRK = %x", out.IdentityKey())
	}
}

func TestFindUnknownPeer(t *testing.T) {
	m := tempStore(t)
	if _, err := m.Find("00:00:00:00:00:01"); err != bthost.ErrBondNotFound {
		t.Fatalf("err = %v, want ErrBondNotFound", err)
	}
	if m.Exists("00:00:00:00:00:01") {
		t.Fatal("unknown peer exists")
	}
}

func TestRepairingReplacesRecord(t *testing.T) {
	m := tempStore(t)

	first := bthost.NewBondInfo(sampleLTK(), 1, 1, true)
	if err := m.Save("aa:bb:cc:dd:ee:ff", first); err != nil {
		t.Fatal(err)
	}

	ltk2 := sampleLTK()
	ltk2[0] = 0xFF
	second := bthost.NewBondInfo(ltk2, 2, 2, false)
	if err := m.Save("aa:bb:cc:dd:ee:ff", second); err != nil {
		t.Fatal(err)
	}

	out, err := m.Find("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if out.LongTermKey()[0] != 0xFF || out.Legacy() {
		t.Fatal("second pairing did not replace the stored record")
	}
}

func TestDelete(t *testing.T) {
	m := tempStore(t)

	if err := m.Delete("aa:bb:cc:dd:ee:ff"); err != bthost.ErrBondNotFound {
		t.Fatalf("delete unknown = %v", err)
	}

	if err := m.Save("aa:bb:cc:dd:ee:ff", bthost.NewBondInfo(sampleLTK(), 0, 0, false)); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatal(err)
	}
	if m.Exists("aa:bb:cc:dd:ee:ff") {
		t.Fatal("bond still present after delete")
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "bonds")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "bonds.json")

	m := NewManager(path)
	if err := m.Save("aa:bb:cc:dd:ee:ff", bthost.NewBondInfo(sampleLTK(), 7, 9, true)); err != nil {
		t.Fatal(err)
	}

	reopened := NewManager(path)
	out, err := reopened.Find("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if out.EDiv() != 7 || out.Random() != 9 || !out.Legacy() {
		t.Fatal("bond did not survive reopen")
	}
}
