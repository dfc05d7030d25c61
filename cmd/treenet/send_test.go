package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leesper/treenet"
	"github.com/leesper/treenet/stree"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"msg=hello", "empty=", "eq=a=b"})
	if err != nil {
		t.Fatalf("parsePairs() error %v", err)
	}
	want := stree.Map{
		"msg":   stree.String("hello"),
		"empty": stree.String(""),
		"eq":    stree.String("a=b"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsePairs() mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=v"} {
		if _, err := parsePairs([]string{bad}); err == nil {
			t.Errorf("parsePairs(%q) succeeded", bad)
		}
	}
}

func TestForwardToDropsAfterQuit(t *testing.T) {
	replies := make(chan treenet.Packet, 1)
	quit := make(chan struct{})
	l := forwardTo(replies, quit)

	l.OnPacket(nil, treenet.NewSimplePacket("first"))
	if p := <-replies; p.Name() != "first" {
		t.Fatalf("forwarded %q, want first", p.Name())
	}

	l.OnPacket(nil, treenet.NewSimplePacket("fills"))
	close(quit)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			l.OnPacket(nil, treenet.NewSimplePacket("late"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener blocked once nobody reads the replies")
	}
}
