package stree

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMaxTreeBytes bounds the encoded size of a single tree read by ReadTree.
const DefaultMaxTreeBytes = 1 << 23 // 8M

var (
	// ErrMalformedTree means a complete tree was read off the stream but could
	// not be turned into nodes. The stream itself is still in sync.
	ErrMalformedTree = errors.New("stree: malformed tree")
	// ErrTreeTooLarge means the length prefix exceeded the configured bound.
	// The payload was not consumed, so the stream can no longer be trusted.
	ErrTreeTooLarge = errors.New("stree: tree too large")
	// ErrNilNode is returned when asked to write a nil node.
	ErrNilNode = errors.New("stree: nil node")
)

// Reader is what ReadTree consumes. A *bufio.Reader satisfies it.
type Reader interface {
	io.Reader
	io.ByteReader
}

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// WriteTree writes n to w as a uvarint length followed by the protobuf encoding
// of a google.protobuf.Value. The whole tree goes out in a single Write.
func WriteTree(w io.Writer, n Node) error {
	v, err := toValue(n)
	if err != nil {
		return err
	}
	body, err := marshalOptions.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "stree: marshal")
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(body))
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadTree reads one tree from r, bounded by DefaultMaxTreeBytes. It returns
// io.EOF, unwrapped, when r ends cleanly before a new tree starts.
func ReadTree(r Reader) (Node, error) {
	return ReadTreeMax(r, DefaultMaxTreeBytes)
}

// ReadTreeMax is ReadTree with an explicit size bound. A bound <= 0 means
// DefaultMaxTreeBytes.
func ReadTreeMax(r Reader, max int64) (Node, error) {
	if max <= 0 {
		max = DefaultMaxTreeBytes
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		// varint overflow: the prefix is garbage
		return nil, errors.Wrap(ErrTreeTooLarge, err.Error())
	}
	if size > uint64(max) {
		return nil, errors.Wrapf(ErrTreeTooLarge, "%d bytes, limit %d", size, max)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	v := &structpb.Value{}
	if err := proto.Unmarshal(body, v); err != nil {
		return nil, errors.Wrap(ErrMalformedTree, err.Error())
	}
	return fromValue(v)
}

func toValue(n Node) (*structpb.Value, error) {
	switch t := n.(type) {
	case nil:
		return nil, ErrNilNode
	case String:
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: string(t)}}, nil
	case List:
		values := make([]*structpb.Value, len(t))
		for i, e := range t {
			v, err := toValue(e)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return &structpb.Value{Kind: &structpb.Value_ListValue{
			ListValue: &structpb.ListValue{Values: values},
		}}, nil
	case Map:
		fields := make(map[string]*structpb.Value, len(t))
		for k, e := range t {
			v, err := toValue(e)
			if err != nil {
				return nil, errors.WithMessagef(err, "key %q", k)
			}
			fields[k] = v
		}
		return &structpb.Value{Kind: &structpb.Value_StructValue{
			StructValue: &structpb.Struct{Fields: fields},
		}}, nil
	}
	return nil, errors.Errorf("stree: unsupported node type %T", n)
}

func fromValue(v *structpb.Value) (Node, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return String(k.StringValue), nil
	case *structpb.Value_ListValue:
		values := k.ListValue.GetValues()
		list := make(List, len(values))
		for i, e := range values {
			n, err := fromValue(e)
			if err != nil {
				return nil, err
			}
			list[i] = n
		}
		return list, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		m := make(Map, len(fields))
		for key, e := range fields {
			n, err := fromValue(e)
			if err != nil {
				return nil, err
			}
			m[key] = n
		}
		return m, nil
	}
	return nil, errors.Wrapf(ErrMalformedTree, "unsupported value %T", v.GetKind())
}
