package treenet

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrUnknownPacketID is returned when no provider is registered for a packet-kind
// identifier. It also matches ErrMalformedPacket under errors.Is, since a peer
// sending an unregistered id is one bad packet, not a broken stream.
type ErrUnknownPacketID string

func (e ErrUnknownPacketID) Error() string {
	return fmt.Sprintf("unknown packet id: %s", string(e))
}

// Is reports whether target is ErrMalformedPacket.
func (e ErrUnknownPacketID) Is(target error) bool {
	return target == ErrMalformedPacket
}

// Error codes returned by failures dealing with packets, connections or servers.
var (
	ErrDuplicateProvider = errors.New("duplicate packet provider")
	ErrNilPacket         = errors.New("nil packet")
	ErrNilNode           = errors.New("nil node")
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrNestingTooDeep    = errors.Wrap(ErrMalformedPacket, "bundle nesting too deep")
	ErrWrongPacketType   = errors.New("packet type does not match provider")
	ErrConnClosed        = errors.New("connection has been closed")
	ErrServerClosed      = errors.New("server has been closed")
	ErrPeerNotFound      = errors.New("peer not connected")
	ErrWouldBlock        = errors.New("would block")
)

// MalformedPacket returns an error matching both ErrMalformedPacket and cause
// under errors.Is.
func MalformedPacket(cause error) error {
	return multierr.Combine(ErrMalformedPacket, cause)
}

// Reserved envelope keys. Providers must not write them.
const (
	KeyPacketID   = "packetId"
	KeyPacketName = "packetName"
)

// definitions about some constants.
const (
	DefaultName       = "packet"
	DefaultMaxDepth   = 32
	MaxConnections    = 1000
	defaultWorkersNum = 16
	workerQueueSize   = 1024
	acceptMaxDelay    = 1 * time.Second
	acceptMinDelay    = 5 * time.Millisecond
)
