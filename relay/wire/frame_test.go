// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wire

import (
	"bytes"
	"testing"
)

func TestStatusRoundTrip(t *testing.T) {
	want := &Frame{Kind: KindStatus, Status: &StatusMessage{NetworkSize: 42}}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != KindStatus || got.Status.NetworkSize != want.Status.NetworkSize {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.Status, want.Status)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	var endpoint [EndpointIDLen]byte
	copy(endpoint[:], "01234567890123456789")
	want := &Frame{Kind: KindRelay, Relay: &RelayMessage{
		EndpointID: endpoint,
		Payload:    []byte("hello counterpart"),
	}}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != KindRelay {
		t.Fatalf("got kind %v, want KindRelay", got.Kind)
	}
	if got.Relay.EndpointID != want.Relay.EndpointID {
		t.Fatalf("endpoint id mismatch: got %x, want %x", got.Relay.EndpointID, want.Relay.EndpointID)
	}
	if !bytes.Equal(got.Relay.Payload, want.Relay.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Relay.Payload, want.Relay.Payload)
	}
}

func TestJoinRoundTrip(t *testing.T) {
	var id [EndpointIDLen]byte
	copy(id[:], "abcdefghij0123456789")
	payload := MarshalJoin(&Join{ID: id})
	got, err := UnmarshalJoin(payload)
	if err != nil {
		t.Fatalf("UnmarshalJoin: %v", err)
	}
	if got.ID != id {
		t.Fatalf("join id mismatch: got %x, want %x", got.ID, id)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	// length prefix alone, declaring an implausibly large frame.
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(0); i < 3; i++ {
		if err := WriteFrame(&buf, &Frame{Kind: KindStatus, Status: &StatusMessage{NetworkSize: i}}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 3; i++ {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if f.Status.NetworkSize != i {
			t.Fatalf("frame %d: got network size %d, want %d", i, f.Status.NetworkSize, i)
		}
	}
}
