package treenet

import (
	"sync"

	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
)

// Provider serializes one packet variant. Write and Read deal only with the
// variant's payload keys; the envelope keys are handled by the Codec.
type Provider interface {
	// ID returns the unique packet-kind identifier.
	ID() string
	// Write stores the payload of p into root.
	Write(s *Scope, p Packet, root stree.Map) error
	// Read builds a packet from root. The name is set afterwards by the codec.
	Read(s *Scope, root stree.Map) (Packet, error)
}

// Scope is handed to providers so composite packets can encode and decode
// their children through the same codec, one nesting level deeper.
type Scope struct {
	codec *Codec
	depth int
}

// Encode encodes a child packet.
func (s *Scope) Encode(p Packet) (stree.Map, error) {
	return s.codec.encode(p, s.depth+1)
}

// Decode decodes a child envelope.
func (s *Scope) Decode(n stree.Node) (Packet, error) {
	return s.codec.decode(n, s.depth+1)
}

// Depth returns the nesting level of the packet being handled, 0 at the root.
func (s *Scope) Depth() int {
	return s.depth
}

type codecOptions struct {
	maxDepth     int
	maxTreeBytes int64
}

// CodecOption sets codec options.
type CodecOption func(*codecOptions)

// WithMaxDepth bounds how deeply bundles may nest. n <= 0 restores the default.
func WithMaxDepth(n int) CodecOption {
	return func(o *codecOptions) {
		o.maxDepth = n
	}
}

// WithMaxTreeBytes bounds the encoded size of one packet read from a stream.
// n <= 0 restores the default.
func WithMaxTreeBytes(n int64) CodecOption {
	return func(o *codecOptions) {
		o.maxTreeBytes = n
	}
}

// Codec is a registry of packet providers plus the envelope logic that
// delegates to them. It is safe for concurrent use.
type Codec struct {
	opts codecOptions

	mu        sync.RWMutex // guards following
	providers map[string]Provider
}

// NewCodec returns a codec with the built-in variants already registered.
func NewCodec(opt ...CodecOption) *Codec {
	opts := codecOptions{
		maxDepth:     DefaultMaxDepth,
		maxTreeBytes: stree.DefaultMaxTreeBytes,
	}
	for _, o := range opt {
		o(&opts)
	}
	if opts.maxDepth <= 0 {
		opts.maxDepth = DefaultMaxDepth
	}
	if opts.maxTreeBytes <= 0 {
		opts.maxTreeBytes = stree.DefaultMaxTreeBytes
	}

	c := &Codec{
		opts:      opts,
		providers: map[string]Provider{},
	}
	c.MustRegister(AdvancedProvider{})
	c.MustRegister(BundleProvider{})
	c.MustRegister(SimpleProvider{})
	return c
}

// Register adds p to the registry. Registering an identifier twice is a
// configuration error.
func (c *Codec) Register(p Provider) error {
	id := p.ID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[id]; ok {
		return errors.Wrapf(ErrDuplicateProvider, "there is already a packet registered as %q", id)
	}
	c.providers[id] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Codec) MustRegister(p Provider) {
	if err := c.Register(p); err != nil {
		panic(err)
	}
}

// Provider returns the provider registered for id.
func (c *Codec) Provider(id string) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	return p, ok
}

// IDs returns the registered identifiers.
func (c *Codec) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.providers))
	for id := range c.providers {
		ids = append(ids, id)
	}
	return ids
}

// Encode turns p into an envelope map holding packetId, packetName and the
// provider's payload keys.
func (c *Codec) Encode(p Packet) (stree.Map, error) {
	return c.encode(p, 0)
}

// Decode rebuilds a packet from an envelope produced by Encode.
func (c *Codec) Decode(n stree.Node) (Packet, error) {
	return c.decode(n, 0)
}

func (c *Codec) encode(p Packet, depth int) (stree.Map, error) {
	if isNil(p) {
		return nil, ErrNilPacket
	}
	if depth > c.opts.maxDepth {
		return nil, errors.Wrapf(ErrNestingTooDeep, "depth %d", depth)
	}
	id := p.PacketID()
	provider, ok := c.Provider(id)
	if !ok {
		return nil, ErrUnknownPacketID(id)
	}

	root := stree.NewMap()
	if err := provider.Write(&Scope{codec: c, depth: depth}, p, root); err != nil {
		return nil, errors.WithMessagef(err, "write %s", id)
	}
	root.PutString(KeyPacketID, id)
	root.PutString(KeyPacketName, p.Name())
	return root, nil
}

func (c *Codec) decode(n stree.Node, depth int) (Packet, error) {
	if isNil(n) {
		return nil, ErrNilNode
	}
	if depth > c.opts.maxDepth {
		return nil, errors.Wrapf(ErrNestingTooDeep, "depth %d", depth)
	}
	root, ok := n.(stree.Map)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedPacket, "envelope is a %s node", n.Kind())
	}
	id, err := root.GetString(KeyPacketID)
	if err != nil {
		return nil, MalformedPacket(err)
	}
	name, err := root.GetString(KeyPacketName)
	if err != nil {
		return nil, MalformedPacket(err)
	}
	provider, ok := c.Provider(id)
	if !ok {
		return nil, ErrUnknownPacketID(id)
	}

	p, err := provider.Read(&Scope{codec: c, depth: depth}, root)
	if err != nil {
		return nil, errors.WithMessagef(err, "read %s", id)
	}
	if isNil(p) {
		return nil, errors.Wrapf(ErrMalformedPacket, "provider %s returned no packet", id)
	}
	p.SetName(name)
	return p, nil
}

// DefaultCodec is the process-wide codec used by the package-level functions
// and by connections created without WithCodec.
var DefaultCodec = NewCodec()

// Register registers p on DefaultCodec.
func Register(p Provider) error {
	return DefaultCodec.Register(p)
}

// MustRegister registers p on DefaultCodec and panics if p.ID() is taken.
func MustRegister(p Provider) {
	DefaultCodec.MustRegister(p)
}

// Encode encodes p with DefaultCodec.
func Encode(p Packet) (stree.Map, error) {
	return DefaultCodec.Encode(p)
}

// Decode decodes n with DefaultCodec.
func Decode(n stree.Node) (Packet, error) {
	return DefaultCodec.Decode(n)
}
