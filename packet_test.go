package oniri

import "bytes"
import "testing"
import "google.golang.org/protobuf/encoding/protowire"

func TestRelayPacketCodec(t *testing.T) {
	var pkt *RelayPacket
	var out RelayPacket
	var c relay_codec
	var b []byte
	var err error

	pkt = &RelayPacket{
		Kind: RELAY_PACKET_KIND_LOOKUP_RESULT,
		StreamId: 1 << 40,
		Key: "k",
		Topic: "oniri-topic",
		Data: []byte{0, 1, 2, 0xff},
		Keys: []string{"a", "", "c"},
		Text: "done",
	}

	b, err = c.Marshal(pkt)
	if err != nil { t.Fatalf("marshal failed - %s", err.Error()) }
	err = c.Unmarshal(b, &out)
	if err != nil { t.Fatalf("unmarshal failed - %s", err.Error()) }

	if out.Kind != pkt.Kind || out.StreamId != pkt.StreamId { t.Fatalf("header mismatch - %+v", out) }
	if out.Key != "k" || out.Topic != "oniri-topic" || out.Text != "done" { t.Fatalf("string mismatch - %+v", out) }
	if !bytes.Equal(out.Data, pkt.Data) { t.Fatalf("data mismatch") }
	if len(out.Keys) != 3 || out.Keys[1] != "" || out.Keys[2] != "c" { t.Fatalf("keys mismatch - %v", out.Keys) }

	// the decoded data must not alias the wire buffer
	b[len(b) - 1] = 'X'
	if out.Text != "done" || out.Data[3] != 0xff { t.Fatalf("decoded packet aliases the input") }

	_, err = c.Marshal("not a packet")
	if err == nil { t.Fatalf("marshalling a foreign type must fail") }
	if c.Name() != "oniri-relay" { t.Fatalf("unexpected codec name %s", c.Name()) }
}

func TestRelayPacketSkipsUnknownFields(t *testing.T) {
	var b []byte
	var pkt RelayPacket
	var err error

	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 100, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = append(b, MakeRelayDataPacket(3, []byte("payload")).Marshal()...)

	err = pkt.Unmarshal(b)
	if err != nil { t.Fatalf("unmarshal failed - %s", err.Error()) }
	if pkt.Kind != RELAY_PACKET_KIND_DATA || pkt.StreamId != 3 || string(pkt.Data) != "payload" {
		t.Fatalf("unexpected packet %+v", pkt)
	}

	err = pkt.Unmarshal(b[:len(b) - 2])
	if err == nil { t.Fatalf("truncated input must fail") }
}

func TestRelayPacketKindString(t *testing.T) {
	if RELAY_PACKET_KIND_LOOKUP_RESULT.String() != "LOOKUP_RESULT" { t.Fatalf("bad name %s", RELAY_PACKET_KIND_LOOKUP_RESULT.String()) }
	if RELAY_PACKET_KIND_ERROR.String() != "ERROR" { t.Fatalf("bad name %s", RELAY_PACKET_KIND_ERROR.String()) }
	if RelayPacketKind(200).String() != "KIND(200)" { t.Fatalf("bad name %s", RelayPacketKind(200).String()) }
}
