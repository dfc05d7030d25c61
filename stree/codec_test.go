package stree

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func sampleTree() Map {
	return Map{
		"msg": String("hello"),
		"tags": List{String("a"), String("b"), Map{"deep": List{}}},
		"meta": Map{
			"empty": String(""),
			"inner": Map{},
		},
	}
}

func TestWriteReadTreeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := sampleTree()
	if err := WriteTree(&buf, in); err != nil {
		t.Fatalf("WriteTree() error %v", err)
	}
	out, err := ReadTree(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadTree() error %v", err)
	}
	if diff := cmp.Diff(Node(in), out); diff != "" {
		t.Errorf("ReadTree() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTreeSequential(t *testing.T) {
	var buf bytes.Buffer
	trees := []Node{String("one"), List{String("two")}, Map{"three": String("3")}}
	for _, n := range trees {
		if err := WriteTree(&buf, n); err != nil {
			t.Fatalf("WriteTree() error %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range trees {
		got, err := ReadTree(r)
		if err != nil {
			t.Fatalf("ReadTree() #%d error %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ReadTree() #%d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := ReadTree(r); err != io.EOF {
		t.Fatalf("ReadTree() at end = %v, want io.EOF", err)
	}
}

func TestReadTreeEmptyStreamIsEOF(t *testing.T) {
	_, err := ReadTree(bufio.NewReader(bytes.NewReader(nil)))
	if err != io.EOF {
		t.Fatalf("ReadTree() = %v, want io.EOF", err)
	}
}

func TestReadTreeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTree(&buf, sampleTree()); err != nil {
		t.Fatalf("WriteTree() error %v", err)
	}
	cut := buf.Bytes()[:buf.Len()-3]
	_, err := ReadTree(bufio.NewReader(bytes.NewReader(cut)))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadTree() = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadTreeTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTree(&buf, String("0123456789")); err != nil {
		t.Fatalf("WriteTree() error %v", err)
	}
	_, err := ReadTreeMax(bufio.NewReader(&buf), 4)
	if !errors.Is(err, ErrTreeTooLarge) {
		t.Fatalf("ReadTreeMax() = %v, want ErrTreeTooLarge", err)
	}
}

func TestReadTreeHugeLengthPrefix(t *testing.T) {
	prefix := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}
	for _, max := range []int64{0, -1, DefaultMaxTreeBytes} {
		_, err := ReadTreeMax(bufio.NewReader(bytes.NewReader(prefix)), max)
		if !errors.Is(err, ErrTreeTooLarge) {
			t.Errorf("ReadTreeMax(max %d) = %v, want ErrTreeTooLarge", max, err)
		}
	}
}

func TestReadTreeUnsupportedValueKeepsStreamInSync(t *testing.T) {
	var buf bytes.Buffer
	body, err := proto.Marshal(structpb.NewNumberValue(42))
	if err != nil {
		t.Fatalf("proto.Marshal() error %v", err)
	}
	buf.WriteByte(byte(len(body)))
	buf.Write(body)
	if err := WriteTree(&buf, String("next")); err != nil {
		t.Fatalf("WriteTree() error %v", err)
	}

	r := bufio.NewReader(&buf)
	if _, err := ReadTree(r); !errors.Is(err, ErrMalformedTree) {
		t.Fatalf("ReadTree() = %v, want ErrMalformedTree", err)
	}
	got, err := ReadTree(r)
	if err != nil {
		t.Fatalf("ReadTree() after malformed error %v", err)
	}
	if got != String("next") {
		t.Errorf("ReadTree() = %v, want next", got)
	}
}

func TestWriteTreeNil(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTree(&buf, Map{"x": nil}); !errors.Is(err, ErrNilNode) {
		t.Fatalf("WriteTree() = %v, want ErrNilNode", err)
	}
	if buf.Len() != 0 {
		t.Errorf("WriteTree() wrote %d bytes on error", buf.Len())
	}
}

func TestMapAccessors(t *testing.T) {
	m := sampleTree()
	if s, err := m.GetString("msg"); err != nil || s != "hello" {
		t.Errorf("GetString(msg) = %q, %v", s, err)
	}
	if _, err := m.GetString("missing"); !errors.Is(err, ErrMissingKey) {
		t.Errorf("GetString(missing) = %v, want ErrMissingKey", err)
	}
	if _, err := m.GetList("msg"); !errors.Is(err, ErrWrongKind) {
		t.Errorf("GetList(msg) = %v, want ErrWrongKind", err)
	}
	if l, err := m.GetList("tags"); err != nil || len(l) != 3 {
		t.Errorf("GetList(tags) = %v, %v", l, err)
	}
	if _, err := m.GetMap("meta"); err != nil {
		t.Errorf("GetMap(meta) error %v", err)
	}
}

func TestFormatSortsKeys(t *testing.T) {
	got := Format(Map{"b": String("2"), "a": List{String("1")}})
	want := `{a: ["1"], b: "2"}`
	if got != want {
		t.Errorf("Format() = %s, want %s", got, want)
	}
}
