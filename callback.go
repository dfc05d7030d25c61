package treenet

// PacketListener is notified of every packet a connection dispatches.
type PacketListener interface {
	OnPacket(c *Conn, p Packet)
}

// DisconnectionListener is notified once when a connection is torn down.
type DisconnectionListener interface {
	OnDisconnect(c *Conn)
}

// ErrorListener is notified of read errors, including recoverable ones.
type ErrorListener interface {
	OnError(c *Conn, err error)
}

// ConnectionListener is notified when a server accepts a connection.
type ConnectionListener interface {
	OnConnect(c *Conn)
}

type onPacketFunc func(*Conn, Packet)
type onDisconnectFunc func(*Conn)
type onErrorFunc func(*Conn, error)
type onConnectFunc func(*Conn)

func (f *onPacketFunc) OnPacket(c *Conn, p Packet) { (*f)(c, p) }
func (f *onDisconnectFunc) OnDisconnect(c *Conn)  { (*f)(c) }
func (f *onErrorFunc) OnError(c *Conn, err error) { (*f)(c, err) }
func (f *onConnectFunc) OnConnect(c *Conn)        { (*f)(c) }

// ListenerFunc adapts f to a PacketListener. Each call returns a distinct
// listener; keep the result to remove it later.
func ListenerFunc(f func(c *Conn, p Packet)) PacketListener {
	fn := onPacketFunc(f)
	return &fn
}

// DisconnectionFunc adapts f to a DisconnectionListener.
func DisconnectionFunc(f func(c *Conn)) DisconnectionListener {
	fn := onDisconnectFunc(f)
	return &fn
}

// ErrorFunc adapts f to an ErrorListener.
func ErrorFunc(f func(c *Conn, err error)) ErrorListener {
	fn := onErrorFunc(f)
	return &fn
}

// ConnectionFunc adapts f to a ConnectionListener.
func ConnectionFunc(f func(c *Conn)) ConnectionListener {
	fn := onConnectFunc(f)
	return &fn
}
