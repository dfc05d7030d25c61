package treenet

import (
	"fmt"
	"strings"

	"github.com/leesper/treenet/stree"
)

// Packet is a named, typed unit of application data. PacketID selects the
// provider that serializes the packet; Name routes it to named listeners.
type Packet interface {
	PacketID() string
	Name() string
	SetName(name string)
}

// Base carries the name every packet has. Embed it to implement the name half
// of Packet. An unset name reads as DefaultName.
type Base struct {
	name string
}

// NewBase returns a Base with the given name, or DefaultName when it is empty.
func NewBase(name string) Base {
	if name == "" {
		name = DefaultName
	}
	return Base{name: name}
}

// Name returns the packet name.
func (b *Base) Name() string {
	if b.name == "" {
		return DefaultName
	}
	return b.name
}

// SetName sets the packet name.
func (b *Base) SetName(name string) {
	b.name = name
}

// Packet-kind identifiers of the built-in variants.
const (
	AdvancedPacketID = "advancedPacket"
	BundlePacketID   = "bundlePacket"
	SimplePacketID   = "simplePacket"
)

// AdvancedPacket carries an arbitrary tree as its payload.
type AdvancedPacket struct {
	Base
	Data stree.Map
}

// NewAdvancedPacket returns an AdvancedPacket. A nil data map is replaced by an
// empty one.
func NewAdvancedPacket(name string, data stree.Map) *AdvancedPacket {
	if data == nil {
		data = stree.NewMap()
	}
	return &AdvancedPacket{Base: NewBase(name), Data: data}
}

// PacketID returns AdvancedPacketID.
func (p *AdvancedPacket) PacketID() string { return AdvancedPacketID }

func (p *AdvancedPacket) String() string {
	return fmt.Sprintf("AdvancedPacket %s:%s", p.Name(), stree.Format(p.Data))
}

// BundlePacket carries an ordered sequence of child packets.
type BundlePacket struct {
	Base
	Packets []Packet
}

// NewBundlePacket returns a BundlePacket holding packets in order.
func NewBundlePacket(name string, packets ...Packet) *BundlePacket {
	return &BundlePacket{Base: NewBase(name), Packets: packets}
}

// PacketID returns BundlePacketID.
func (p *BundlePacket) PacketID() string { return BundlePacketID }

// Add appends packets to the bundle.
func (p *BundlePacket) Add(packets ...Packet) {
	p.Packets = append(p.Packets, packets...)
}

func (p *BundlePacket) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "BundlePacket %s:{\n", p.Name())
	for _, child := range p.Packets {
		fmt.Fprintf(&b, "%v\n", child)
	}
	b.WriteString("}")
	return b.String()
}

// SimplePacket has no payload; its name is the whole message.
type SimplePacket struct {
	Base
}

// NewSimplePacket returns a SimplePacket.
func NewSimplePacket(name string) *SimplePacket {
	return &SimplePacket{Base: NewBase(name)}
}

// PacketID returns SimplePacketID.
func (p *SimplePacket) PacketID() string { return SimplePacketID }

func (p *SimplePacket) String() string {
	return "SimplePacket " + p.Name()
}
