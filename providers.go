package treenet

import (
	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
)

// Payload keys written by the built-in providers.
const (
	KeyPacketData   = "packetData"
	KeyPacketBundle = "packetBundle"
)

// AdvancedProvider serializes *AdvancedPacket. The payload map is stored as-is
// under KeyPacketData.
type AdvancedProvider struct{}

// ID returns AdvancedPacketID.
func (AdvancedProvider) ID() string { return AdvancedPacketID }

// Write stores the packet's data map.
func (AdvancedProvider) Write(_ *Scope, p Packet, root stree.Map) error {
	ap, ok := p.(*AdvancedPacket)
	if !ok {
		return errors.Wrapf(ErrWrongPacketType, "%T", p)
	}
	data := ap.Data
	if data == nil {
		data = stree.NewMap()
	}
	root.Put(KeyPacketData, data)
	return nil
}

// Read rebuilds an *AdvancedPacket.
func (AdvancedProvider) Read(_ *Scope, root stree.Map) (Packet, error) {
	data, err := root.GetMap(KeyPacketData)
	if err != nil {
		return nil, MalformedPacket(err)
	}
	return &AdvancedPacket{Data: data}, nil
}

// BundleProvider serializes *BundlePacket. Each child is encoded as a full
// envelope in the list under KeyPacketBundle.
type BundleProvider struct{}

// ID returns BundlePacketID.
func (BundleProvider) ID() string { return BundlePacketID }

// Write encodes every child in order.
func (BundleProvider) Write(s *Scope, p Packet, root stree.Map) error {
	bp, ok := p.(*BundlePacket)
	if !ok {
		return errors.Wrapf(ErrWrongPacketType, "%T", p)
	}
	list := make(stree.List, 0, len(bp.Packets))
	for i, child := range bp.Packets {
		n, err := s.Encode(child)
		if err != nil {
			return errors.WithMessagef(err, "bundle entry %d", i)
		}
		list = append(list, n)
	}
	root.Put(KeyPacketBundle, list)
	return nil
}

// Read decodes every child in order.
func (BundleProvider) Read(s *Scope, root stree.Map) (Packet, error) {
	list, err := root.GetList(KeyPacketBundle)
	if err != nil {
		return nil, MalformedPacket(err)
	}
	bundle := &BundlePacket{Packets: make([]Packet, 0, len(list))}
	for i, n := range list {
		child, err := s.Decode(n)
		if err != nil {
			return nil, errors.WithMessagef(err, "bundle entry %d", i)
		}
		bundle.Packets = append(bundle.Packets, child)
	}
	return bundle, nil
}

// SimpleProvider serializes *SimplePacket, which has no payload.
type SimpleProvider struct{}

// ID returns SimplePacketID.
func (SimpleProvider) ID() string { return SimplePacketID }

// Write checks the packet type and writes nothing.
func (SimpleProvider) Write(_ *Scope, p Packet, _ stree.Map) error {
	if _, ok := p.(*SimplePacket); !ok {
		return errors.Wrapf(ErrWrongPacketType, "%T", p)
	}
	return nil
}

// Read returns an empty *SimplePacket.
func (SimpleProvider) Read(_ *Scope, _ stree.Map) (Packet, error) {
	return &SimplePacket{}, nil
}
