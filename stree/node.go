// Package stree implements the tree-structured node model carried inside every
// packet, and a stream codec for reading and writing whole trees.
//
// A tree is built from three node kinds: String, List and Map. Maps are keyed by
// string and may nest arbitrarily.
package stree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies the variant of a Node.
type Kind int

// Node kinds.
const (
	StringKind Kind = iota
	ListKind
	MapKind
)

func (k Kind) String() string {
	switch k {
	case StringKind:
		return "string"
	case ListKind:
		return "list"
	case MapKind:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Errors returned by Map accessors.
var (
	ErrMissingKey = errors.New("stree: missing key")
	ErrWrongKind  = errors.New("stree: wrong node kind")
)

// Node is one element of a tree.
type Node interface {
	Kind() Kind
}

// String is a leaf node.
type String string

// Kind returns StringKind.
func (String) Kind() Kind { return StringKind }

// List is an ordered sequence of nodes.
type List []Node

// Kind returns ListKind.
func (List) Kind() Kind { return ListKind }

// Map is a string-keyed collection of nodes.
type Map map[string]Node

// Kind returns MapKind.
func (Map) Kind() Kind { return MapKind }

// NewMap returns an empty map node.
func NewMap() Map {
	return Map{}
}

// Put sets key to n and returns m so calls can be chained.
func (m Map) Put(key string, n Node) Map {
	m[key] = n
	return m
}

// PutString sets key to a string node.
func (m Map) PutString(key, value string) Map {
	m[key] = String(value)
	return m
}

func (m Map) lookup(key string, want Kind) (Node, error) {
	n, ok := m[key]
	if !ok || n == nil {
		return nil, errors.Wrapf(ErrMissingKey, "%q", key)
	}
	if n.Kind() != want {
		return nil, errors.Wrapf(ErrWrongKind, "%q is %s, want %s", key, n.Kind(), want)
	}
	return n, nil
}

// GetString returns the string stored under key.
func (m Map) GetString(key string) (string, error) {
	n, err := m.lookup(key, StringKind)
	if err != nil {
		return "", err
	}
	return string(n.(String)), nil
}

// GetList returns the list stored under key.
func (m Map) GetList(key string) (List, error) {
	n, err := m.lookup(key, ListKind)
	if err != nil {
		return nil, err
	}
	return n.(List), nil
}

// GetMap returns the map stored under key.
func (m Map) GetMap(key string) (Map, error) {
	n, err := m.lookup(key, MapKind)
	if err != nil {
		return nil, err
	}
	return n.(Map), nil
}

// Format renders n as a compact, deterministic string with map keys sorted.
func Format(n Node) string {
	var b strings.Builder
	format(&b, n)
	return b.String()
}

func format(b *strings.Builder, n Node) {
	switch v := n.(type) {
	case nil:
		b.WriteString("<nil>")
	case String:
		fmt.Fprintf(b, "%q", string(v))
	case List:
		b.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, e)
		}
		b.WriteByte(']')
	case Map:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%s: ", k)
			format(b, v[k])
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "<%T>", n)
	}
}
