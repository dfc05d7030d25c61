package treenet

import (
	"hash/fnv"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PeerKey identifies one client connection on a server by the peer's IP
// literal and port.
type PeerKey struct {
	Address string
	Port    int
}

// NewPeerKey builds a key from an address string. Anything up to the last '/'
// (host/ip notation) and IPv6 brackets are stripped, and IP literals are put
// in canonical form so "::ffff:10.0.0.1" and "10.0.0.1" name the same peer.
func NewPeerKey(address string, port int) PeerKey {
	return PeerKey{Address: normalizeAddress(address), Port: port}
}

// PeerKeyFromAddr builds a key from a connection address.
func PeerKeyFromAddr(addr net.Addr) (PeerKey, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		host := tcp.IP.String()
		if tcp.Zone != "" {
			host += "%" + tcp.Zone
		}
		return NewPeerKey(host, tcp.Port), nil
	}
	return ParsePeerKey(addr.String())
}

// ParsePeerKey parses "host:port", "[v6]:port" or "name/ip:port".
func ParsePeerKey(address string) (PeerKey, error) {
	if i := strings.LastIndexByte(address, '/'); i >= 0 {
		address = address[i+1:]
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return PeerKey{}, errors.Wrapf(err, "parse peer %q", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerKey{}, errors.Wrapf(err, "parse peer port %q", portStr)
	}
	return NewPeerKey(host, port), nil
}

func normalizeAddress(address string) string {
	if i := strings.LastIndexByte(address, '/'); i >= 0 {
		address = address[i+1:]
	}
	address = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	host, zone := address, ""
	if i := strings.IndexByte(address, '%'); i >= 0 {
		host, zone = address[:i], address[i:]
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String() + zone
	}
	return address
}

// String returns the key in host:port form.
func (k PeerKey) String() string {
	return net.JoinHostPort(k.Address, strconv.Itoa(k.Port))
}

// Compare orders keys by address, then by port. It returns -1, 0 or +1.
func (k PeerKey) Compare(o PeerKey) int {
	if c := strings.Compare(k.Address, o.Address); c != 0 {
		return c
	}
	switch {
	case k.Port < o.Port:
		return -1
	case k.Port > o.Port:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k PeerKey) Less(o PeerKey) bool {
	return k.Compare(o) < 0
}

func (k PeerKey) hashCode() uint32 {
	h := fnv.New32a()
	h.Write([]byte(k.Address))
	h.Write([]byte{byte(k.Port >> 8), byte(k.Port)})
	return h.Sum32()
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
