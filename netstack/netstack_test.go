package netstack

import (
	"testing"
	"time"
)

func TestEthernetRoundtrip(t *testing.T) {
	p := NewPbuf(4)
	body, _ := p.Append(4)
	copy(body, []byte("abcd"))
	PushEth(p, MAC{1, 2, 3, 4, 5, 6}, MAC{6, 5, 4, 3, 2, 1}, EtherTypeIPv4)

	wire := FromWire(append([]byte(nil), p.Whole()...), "eth0")
	hdr, ok := ParseEth(wire)
	if !ok {
		t.Fatal("expected to parse ethernet header")
	}
	if hdr.Type != EtherTypeIPv4 {
		t.Fatalf("expected ipv4 ethertype, got %x", hdr.Type)
	}
	if string(wire.Data()) != "abcd" {
		t.Fatalf("expected payload preserved, got %q", wire.Data())
	}
}

func TestIPv4ChecksumRoundtrip(t *testing.T) {
	p := NewPbuf(3)
	body, _ := p.Append(3)
	copy(body, []byte("xyz"))
	BuildIPv4(p, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, ProtoUDP, 42)

	wire := FromWire(append([]byte(nil), p.Whole()...), "eth0")
	h, err := ParseIPv4(wire)
	if err != 0 {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if h.Src != [4]byte{10, 0, 0, 1} || h.Dst != [4]byte{10, 0, 0, 2} {
		t.Fatal("expected src/dst preserved")
	}
	if string(wire.Data()) != "xyz" {
		t.Fatalf("expected payload preserved, got %q", wire.Data())
	}
}

func TestIPv4BadChecksumRejected(t *testing.T) {
	p := NewPbuf(3)
	body, _ := p.Append(3)
	copy(body, []byte("xyz"))
	BuildIPv4(p, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, ProtoUDP, 42)
	raw := append([]byte(nil), p.Whole()...)
	raw[1] ^= 0xff // corrupt a header byte covered by the checksum

	if _, err := ParseIPv4(FromWire(raw, "eth0")); err == 0 {
		t.Fatal("expected checksum mismatch to be rejected")
	}
}

func TestICMPEchoReplyEchoesPayload(t *testing.T) {
	req := ICMPEcho{ID: 0x1234, Seq: 1, Payload: []byte("hello")}
	reply := BuildICMPEchoReply(req)

	wire := FromWire(append([]byte(nil), reply.Whole()...), "eth0")
	got, err := ParseICMPEcho(wire)
	if err != 0 {
		t.Fatalf("ParseICMPEcho: %v", err)
	}
	if !got.Reply || got.ID != 0x1234 || got.Seq != 1 || string(got.Payload) != "hello" {
		t.Fatalf("unexpected echo reply: %+v", got)
	}
}

func TestUDPChecksumCoversPseudoHeader(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{192, 168, 1, 2}
	p := BuildUDP(1234, 80, []byte("payload"), src, dst)

	wire := FromWire(append([]byte(nil), p.Whole()...), "eth0")
	h, err := ParseUDP(wire, src, dst)
	if err != 0 {
		t.Fatalf("ParseUDP: %v", err)
	}
	if h.SrcPort != 1234 || h.DstPort != 80 || string(h.Payload) != "payload" {
		t.Fatalf("unexpected udp header: %+v", h)
	}
	// A mismatched pseudo-header (wrong dst) must fail the checksum.
	if _, err := ParseUDP(FromWire(append([]byte(nil), p.Whole()...), "eth0"), src, [4]byte{1, 1, 1, 1}); err == 0 {
		t.Fatal("expected checksum to depend on pseudo-header addresses")
	}
}

func TestArpCacheResolveReturnsQueuedPackets(t *testing.T) {
	c := NewArpCache()
	ip := [4]byte{10, 0, 0, 5}
	p := NewPbuf(0)

	send, failed := c.Miss(ip, p, time.Now())
	if !send || failed {
		t.Fatalf("expected first miss to request a send, got send=%v failed=%v", send, failed)
	}
	if _, ok := c.Lookup(ip); ok {
		t.Fatal("expected no entry before resolve")
	}

	mac := MAC{1, 1, 1, 1, 1, 1}
	queued := c.Resolve(ip, mac)
	if len(queued) != 1 || queued[0] != p {
		t.Fatalf("expected the queued packet back, got %v", queued)
	}
	if got, ok := c.Lookup(ip); !ok || got != mac {
		t.Fatalf("expected cached mac %v, got %v ok=%v", mac, got, ok)
	}
}

func TestArpMissExhaustsRetriesAndFails(t *testing.T) {
	c := NewArpCache()
	ip := [4]byte{10, 0, 0, 9}
	now := time.Now()
	for i := 0; i < arpRetryLimit; i++ {
		send, failed := c.Miss(ip, nil, now.Add(time.Duration(i)*arpRetryInterval*2))
		if failed {
			t.Fatalf("unexpected early failure at try %d", i)
		}
		if !send {
			t.Fatalf("expected send at try %d", i)
		}
	}
	_, failed := c.Miss(ip, nil, now.Add(100*arpRetryInterval))
	if !failed {
		t.Fatal("expected retries exhausted to report failure")
	}
}
