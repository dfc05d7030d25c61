package treenet

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
)

// WritePacket encodes p and writes it to w as one tree.
func (c *Codec) WritePacket(w io.Writer, p Packet) error {
	root, err := c.Encode(p)
	if err != nil {
		return err
	}
	return stree.WriteTree(w, root)
}

// ReadPacket reads one tree from r and decodes it. io.EOF is returned unwrapped
// when r ends between packets. r must be reused across calls, since it may
// buffer bytes belonging to the next packet.
func (c *Codec) ReadPacket(r stree.Reader) (Packet, error) {
	n, err := stree.ReadTreeMax(r, c.opts.maxTreeBytes)
	if err != nil {
		return nil, err
	}
	return c.Decode(n)
}

// WriteCompressedPacket is WritePacket with the tree wrapped in its own gzip
// member. Both ends must agree to use the compressed variant.
func (c *Codec) WriteCompressedPacket(w io.Writer, p Packet) error {
	root, err := c.Encode(p)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(w)
	if err := stree.WriteTree(zw, root); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadCompressedPacket reads one gzip member from r and decodes the packet
// inside. The member is consumed up to and including its trailer, so the next
// call starts on the following packet.
func (c *Codec) ReadCompressedPacket(r stree.Reader) (Packet, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "gzip header")
	}
	defer zr.Close()
	zr.Multistream(false)

	n, treeErr := stree.ReadTreeMax(bufio.NewReader(zr), c.opts.maxTreeBytes)
	if errors.Is(treeErr, stree.ErrTreeTooLarge) {
		return nil, treeErr
	}
	// reach the member trailer so the checksum is verified
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, errors.Wrap(err, "gzip member")
	}
	if treeErr != nil {
		if treeErr == io.EOF {
			treeErr = io.ErrUnexpectedEOF
		}
		return nil, treeErr
	}
	return c.Decode(n)
}

// WritePacket writes p with DefaultCodec.
func WritePacket(w io.Writer, p Packet) error {
	return DefaultCodec.WritePacket(w, p)
}

// ReadPacket reads a packet with DefaultCodec.
func ReadPacket(r stree.Reader) (Packet, error) {
	return DefaultCodec.ReadPacket(r)
}

// WriteCompressedPacket writes a compressed packet with DefaultCodec.
func WriteCompressedPacket(w io.Writer, p Packet) error {
	return DefaultCodec.WriteCompressedPacket(w, p)
}

// ReadCompressedPacket reads a compressed packet with DefaultCodec.
func ReadCompressedPacket(r stree.Reader) (Packet, error) {
	return DefaultCodec.ReadCompressedPacket(r)
}
