package smp

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func hx(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAESCMAC(t *testing.T) {
	key := hx(t, "2b7e151628aed2a6abf7158809cf4f3c")

	tag, err := aesCMAC(key, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tag, hx(t, "bb1d6929e93d6a128de29b0c8bd93746")) {
		t.Fatalf("empty message tag = %x", tag)
	}

	tag, err = aesCMAC(key, hx(t, "6bc1bee22e409f96e93d7e117393172a"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tag, hx(t, "070a16b46b4d4144f79bdd9dd04a287c")) {
		t.Fatalf("one block tag = %x", tag)
	}
}

func TestF4(t *testing.T) {
	u := hx(t, "20b003d2f297be2c5e2c83a7e9f9a5b9eff49111acf4fddbcc0301480e359de6")
	v := hx(t, "55188b3d32f6bb9a900afcfbeed4e72a59cb9ac2f19d7cfb6b4fdd49f47fc5fd")
	x := hx(t, "d5cb8454d177733effffb2ec712baeab")

	got, err := smpF4(u, v, x, 0x00)
	if err != nil {
		t.Fatal(err)
	}
	want := hx(t, "f2c916f107a9bd1cf1eda1bea974872d")
	if !bytes.Equal(got, want) {
		t.Fatalf("f4 = %x, want %x", got, want)
	}
}

func TestF5(t *testing.T) {
	w := hx(t, "ec0234a357c8ad05341010a60a397d9b99796b13b4f866f1868d34f373bfa698")
	n1 := hx(t, "d5cb8454d177733effffb2ec712baeab")
	n2 := hx(t, "a6e8e7cc25a75f6e216583f7ff3dc4cf")
	a1 := hx(t, "0056123737bfce")
	a2 := hx(t, "00a713702dcfc1")

	mac, ltk, err := smpF5(w, n1, n2, a1, a2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mac, hx(t, "2965f176a1084a02fd3f6a20ce636e20")) {
		t.Fatalf("MacKey = %x", mac)
	}
	if !bytes.Equal(ltk, hx(t, "6986791169d7cd23980522b594750a38")) {
		t.Fatalf("LTK = %x", ltk)
	}
}

func TestF6(t *testing.T) {
	w := hx(t, "2965f176a1084a02fd3f6a20ce636e20")
	n1 := hx(t, "d5cb8454d177733effffb2ec712baeab")
	n2 := hx(t, "a6e8e7cc25a75f6e216583f7ff3dc4cf")
	r := hx(t, "12a3343bb453bb5408da42d20c2d0fc8")
	ioCap := hx(t, "010102")
	a1 := hx(t, "0056123737bfce")
	a2 := hx(t, "00a713702dcfc1")

	got, err := smpF6(w, n1, n2, r, ioCap, a1, a2)
	if err != nil {
		t.Fatal(err)
	}
	want := hx(t, "e3c473989cd0e8c5d26c0b09da958f61")
	if !bytes.Equal(got, want) {
		t.Fatalf("f6 = %x, want %x", got, want)
	}
}

func TestG2(t *testing.T) {
	u := hx(t, "20b003d2f297be2c5e2c83a7e9f9a5b9eff49111acf4fddbcc0301480e359de6")
	v := hx(t, "55188b3d32f6bb9a900afcfbeed4e72a59cb9ac2f19d7cfb6b4fdd49f47fc5fd")
	x := hx(t, "d5cb8454d177733effffb2ec712baeab")
	y := hx(t, "a6e8e7cc25a75f6e216583f7ff3dc4cf")

	got, err := smpG2(u, v, x, y)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x2f9ed5ba {
		t.Fatalf("g2 = %08x, want 2f9ed5ba", got)
	}
}

func TestC1(t *testing.T) {
	k := make([]byte, 16)
	r := hx(t, "5783d52156ad6f0e6388274ec6702ee0")
	preq := hx(t, "07071000000101")
	pres := hx(t, "05000800000302")
	ia := hx(t, "a1a2a3a4a5a6")
	ra := hx(t, "b1b2b3b4b5b6")

	got, err := smpC1(k, r, preq, pres, 0x01, 0x00, ia, ra)
	if err != nil {
		t.Fatal(err)
	}
	want := hx(t, "1e1e3fef878988ead2a74dc5bef13b86")
	if !bytes.Equal(got, want) {
		t.Fatalf("c1 = %x, want %x", got, want)
	}
}

func TestS1(t *testing.T) {
	k := make([]byte, 16)
	r1 := hx(t, "000f0e0d0c0b0a091122334455667788")
	r2 := hx(t, "010203040506070899aabbccddeeff00")

	got, err := smpS1(k, r1, r2)
	if err != nil {
		t.Fatal(err)
	}
	want := hx(t, "9a1fe1f0e8b0f49b5b4216ae796da062")
	if !bytes.Equal(got, want) {
		t.Fatalf("s1 = %x, want %x", got, want)
	}
}

func TestSwapBuf(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out := swapBuf(in)
	if !bytes.Equal(out, []byte{4, 3, 2, 1}) {
		t.Fatalf("swap = %v", out)
	}
	if !bytes.Equal(in, []byte{1, 2, 3, 4}) {
		t.Fatal("input mutated")
	}
}
