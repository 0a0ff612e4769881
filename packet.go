package oniri

import "fmt"
import "google.golang.org/protobuf/encoding/protowire"

type RelayPacketKind uint32
type RelayStreamId uint64

const (
	RELAY_PACKET_KIND_RESERVED RelayPacketKind = iota
	RELAY_PACKET_KIND_HELLO
	RELAY_PACKET_KIND_CHALLENGE
	RELAY_PACKET_KIND_AUTH
	RELAY_PACKET_KIND_READY
	RELAY_PACKET_KIND_LISTEN
	RELAY_PACKET_KIND_UNLISTEN
	RELAY_PACKET_KIND_ANNOUNCE
	RELAY_PACKET_KIND_LOOKUP
	RELAY_PACKET_KIND_LOOKUP_RESULT
	RELAY_PACKET_KIND_CONNECT
	RELAY_PACKET_KIND_INCOMING
	RELAY_PACKET_KIND_ACCEPT
	RELAY_PACKET_KIND_REJECT
	RELAY_PACKET_KIND_CONNECTED
	RELAY_PACKET_KIND_REFUSED
	RELAY_PACKET_KIND_DATA
	RELAY_PACKET_KIND_EOF
	RELAY_PACKET_KIND_CLOSE
	RELAY_PACKET_KIND_ERROR
)

var relay_packet_kind_names = []string{
	"RESERVED", "HELLO", "CHALLENGE", "AUTH", "READY", "LISTEN", "UNLISTEN",
	"ANNOUNCE", "LOOKUP", "LOOKUP_RESULT", "CONNECT", "INCOMING", "ACCEPT",
	"REJECT", "CONNECTED", "REFUSED", "DATA", "EOF", "CLOSE", "ERROR",
}

func (k RelayPacketKind) String() string {
	if int(k) < len(relay_packet_kind_names) { return relay_packet_kind_names[k] }
	return fmt.Sprintf("KIND(%d)", uint32(k))
}

// keep the field numbers stable. they are the wire format.
const (
	relay_field_kind protowire.Number = 1
	relay_field_stream_id protowire.Number = 2
	relay_field_key protowire.Number = 3
	relay_field_topic protowire.Number = 4
	relay_field_data protowire.Number = 5
	relay_field_keys protowire.Number = 6
	relay_field_text protowire.Number = 7
)

// RelayPacket is the single message type exchanged over the relay channel.
type RelayPacket struct {
	Kind RelayPacketKind
	StreamId RelayStreamId
	Key string
	Topic string
	Data []byte
	Keys []string
	Text string
}

func (pkt *RelayPacket) Marshal() []byte {
	var b []byte
	var k string

	b = make([]byte, 0, 16 + len(pkt.Key) + len(pkt.Topic) + len(pkt.Data) + len(pkt.Text))
	if pkt.Kind != 0 {
		b = protowire.AppendTag(b, relay_field_kind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(pkt.Kind))
	}
	if pkt.StreamId != 0 {
		b = protowire.AppendTag(b, relay_field_stream_id, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(pkt.StreamId))
	}
	if pkt.Key != "" {
		b = protowire.AppendTag(b, relay_field_key, protowire.BytesType)
		b = protowire.AppendString(b, pkt.Key)
	}
	if pkt.Topic != "" {
		b = protowire.AppendTag(b, relay_field_topic, protowire.BytesType)
		b = protowire.AppendString(b, pkt.Topic)
	}
	if len(pkt.Data) > 0 {
		b = protowire.AppendTag(b, relay_field_data, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Data)
	}
	for _, k = range pkt.Keys {
		b = protowire.AppendTag(b, relay_field_keys, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	if pkt.Text != "" {
		b = protowire.AppendTag(b, relay_field_text, protowire.BytesType)
		b = protowire.AppendString(b, pkt.Text)
	}
	return b
}

// Unmarshal decodes b into pkt. Unknown fields are skipped.
func (pkt *RelayPacket) Unmarshal(b []byte) error {
	var num protowire.Number
	var typ protowire.Type
	var n int
	var v uint64
	var s string
	var d []byte

	*pkt = RelayPacket{}
	for len(b) > 0 {
		num, typ, n = protowire.ConsumeTag(b)
		if n < 0 { return protowire.ParseError(n) }
		b = b[n:]

		switch {
			case num == relay_field_kind && typ == protowire.VarintType:
				v, n = protowire.ConsumeVarint(b)
				pkt.Kind = RelayPacketKind(v)

			case num == relay_field_stream_id && typ == protowire.VarintType:
				v, n = protowire.ConsumeVarint(b)
				pkt.StreamId = RelayStreamId(v)

			case num == relay_field_key && typ == protowire.BytesType:
				s, n = protowire.ConsumeString(b)
				pkt.Key = s

			case num == relay_field_topic && typ == protowire.BytesType:
				s, n = protowire.ConsumeString(b)
				pkt.Topic = s

			case num == relay_field_data && typ == protowire.BytesType:
				d, n = protowire.ConsumeBytes(b)
				if n >= 0 { pkt.Data = append([]byte(nil), d...) }

			case num == relay_field_keys && typ == protowire.BytesType:
				s, n = protowire.ConsumeString(b)
				if n >= 0 { pkt.Keys = append(pkt.Keys, s) }

			case num == relay_field_text && typ == protowire.BytesType:
				s, n = protowire.ConsumeString(b)
				pkt.Text = s

			default:
				n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 { return protowire.ParseError(n) }
		b = b[n:]
	}
	return nil
}

// relay_codec moves RelayPacket values over grpc without generated code.
type relay_codec struct{}

func (relay_codec) Marshal(v interface{}) ([]byte, error) {
	var pkt *RelayPacket
	var ok bool

	pkt, ok = v.(*RelayPacket)
	if !ok { return nil, fmt.Errorf("unable to marshal %T", v) }
	return pkt.Marshal(), nil
}

func (relay_codec) Unmarshal(data []byte, v interface{}) error {
	var pkt *RelayPacket
	var ok bool

	pkt, ok = v.(*RelayPacket)
	if !ok { return fmt.Errorf("unable to unmarshal into %T", v) }
	return pkt.Unmarshal(data)
}

func (relay_codec) Name() string {
	return "oniri-relay"
}

// ------------------------------------------------------------------------

func MakeRelayHelloPacket(key string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_HELLO, Key: key, Text: ONIRI_VERSION}
}

func MakeRelayChallengePacket(nonce []byte) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_CHALLENGE, Data: nonce}
}

func MakeRelayAuthPacket(sig []byte) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_AUTH, Data: sig}
}

func MakeRelayConnectPacket(sid RelayStreamId, remote_key string, relay_through string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_CONNECT, StreamId: sid, Key: remote_key, Text: relay_through}
}

func MakeRelayIncomingPacket(sid RelayStreamId, remote_key string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_INCOMING, StreamId: sid, Key: remote_key}
}

func MakeRelayStreamPacket(kind RelayPacketKind, sid RelayStreamId) *RelayPacket {
	return &RelayPacket{Kind: kind, StreamId: sid}
}

func MakeRelayRefusedPacket(sid RelayStreamId, msg string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_REFUSED, StreamId: sid, Text: msg}
}

func MakeRelayDataPacket(sid RelayStreamId, data []byte) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_DATA, StreamId: sid, Data: data}
}

func MakeRelayTopicPacket(kind RelayPacketKind, req_id RelayStreamId, topic string) *RelayPacket {
	return &RelayPacket{Kind: kind, StreamId: req_id, Topic: topic}
}

func MakeRelayLookupResultPacket(req_id RelayStreamId, topic string, keys []string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_LOOKUP_RESULT, StreamId: req_id, Topic: topic, Keys: keys}
}

func MakeRelayErrorPacket(msg string) *RelayPacket {
	return &RelayPacket{Kind: RELAY_PACKET_KIND_ERROR, Text: msg}
}
