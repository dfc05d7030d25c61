/*
Package treenet implements a packet protocol layer over TCP.

Packets are polymorphic: every Packet carries a packet-kind identifier and a
name. A Codec keeps a registry of Providers, one per identifier, and turns a
packet into a self-describing stree.Map envelope and back:

  {"packetId": "advancedPacket", "packetName": "greet", "packetData": {...}}

Three variants are built in. AdvancedPacket carries an arbitrary tree,
BundlePacket carries an ordered list of child packets, and SimplePacket
carries nothing but its name. Register a Provider on DefaultCodec, or on a
codec of your own, to add more.

WritePacket and ReadPacket move one envelope over a stream; the compressed
variants put each packet in its own gzip member. Compression is agreed out of
band by both ends.

Conn wraps a net.Conn. Start runs a reader go-routine that decodes packets
into an unbounded queue and a dispatcher go-routine that hands them in order
to the registered listeners:

  PacketListener          every packet, or packets with given names
  ErrorListener           read errors, including skipped bad packets
  DisconnectionListener   once, after the last packet is dispatched

Server accepts clients, tracks them by PeerKey and keeps listeners
registered on it applied to every matching connection, including the ones
accepted later. Send broadcasts through a WorkerPool so one slow peer does
not hold up the rest.

AtomicInt64 and AtomicBoolean are concurrent-safe atomic types in a
Java-like style while ConnMap is a go-routine safe map for connection
management.

Config loads settings with viper, ConfigureLogging sets up logrus and
MonitorOn serves prometheus metrics.
*/
package treenet
