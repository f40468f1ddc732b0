package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, up, down int }{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 8192, 4096},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 5) != 5 {
		t.Fatal("Max wrong")
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 8, 0, 0x0102030405060708)
	if v := Readn(buf, 8, 0); v != 0x0102030405060708 {
		t.Fatalf("got %#x", v)
	}
	Writen(buf, 4, 8, 0xaabbccdd)
	if v := Readn(buf, 4, 8); v != int(uint32(0xaabbccdd)) {
		t.Fatalf("got %#x", v)
	}
}

func TestBigEndian(t *testing.T) {
	b := make([]uint8, 4)
	PutBEUint32(b, 0x01020304)
	if b[0] != 1 || b[1] != 2 || b[2] != 3 || b[3] != 4 {
		t.Fatalf("bad encoding: %v", b)
	}
	if BEUint32(b) != 0x01020304 {
		t.Fatalf("bad decode")
	}
	b2 := make([]uint8, 2)
	PutBEUint16(b2, 0xabcd)
	if BEUint16(b2) != 0xabcd {
		t.Fatalf("bad 16 decode")
	}
}
