package oniri

import "encoding/binary"
import "errors"
import "fmt"
import "net"
import "strconv"

// every datagram carried over an overlay stream is prefixed with the ipv4
// address and the port of the local peer it originates from or is bound to.
const UDP_HEADER_LEN int = 6
const UDP_MAX_DATAGRAM int = 65535

const UDP_CLIENT_DEFAULT_PROXY_PORT int = 3005

// datagrams held for a sender while its stream is opened or busy
const UDP_PEER_QUEUE_LEN int = 64

var ErrUdpShortMessage = errors.New("udp message too short")
var ErrUdpNotIPv4 = errors.New("udp address is not ipv4")

func udp_peer_id(addr *net.UDPAddr) string {
	return addr.IP.String() + "-" + strconv.Itoa(addr.Port)
}

func put_udp_header(b []byte, addr *net.UDPAddr) error {
	var ip4 net.IP

	ip4 = addr.IP.To4()
	if ip4 == nil { return fmt.Errorf("%w - %s", ErrUdpNotIPv4, addr.String()) }
	copy(b[0:4], ip4)
	binary.BigEndian.PutUint16(b[4:6], uint16(addr.Port))
	return nil
}

// wrap_udp_message returns the header for addr followed by msg.
func wrap_udp_message(msg []byte, addr *net.UDPAddr) ([]byte, error) {
	var b []byte
	var err error

	b = make([]byte, UDP_HEADER_LEN + len(msg))
	err = put_udp_header(b, addr)
	if err != nil { return nil, err }
	copy(b[UDP_HEADER_LEN:], msg)
	return b, nil
}

// unwrap_udp_message splits a wrapped datagram. The payload shares the
// storage of b.
func unwrap_udp_message(b []byte) (*net.UDPAddr, []byte, error) {
	var addr net.UDPAddr

	if len(b) < UDP_HEADER_LEN { return nil, nil, ErrUdpShortMessage }
	addr.IP = net.IPv4(b[0], b[1], b[2], b[3])
	addr.Port = int(binary.BigEndian.Uint16(b[4:6]))
	return &addr, b[UDP_HEADER_LEN:], nil
}
