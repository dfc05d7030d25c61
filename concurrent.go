package treenet

import (
	"sort"
	"sync"
)

const shardCount = 16

type connShard struct {
	sync.RWMutex
	m map[PeerKey]*Conn
}

// ConnMap is a go-routine safe map from peer to connection, split into
// shards to keep lock contention low.
type ConnMap struct {
	shards [shardCount]*connShard
}

// NewConnMap returns an empty ConnMap.
func NewConnMap() *ConnMap {
	cm := &ConnMap{}
	for i := range cm.shards {
		cm.shards[i] = &connShard{m: make(map[PeerKey]*Conn)}
	}
	return cm
}

func (cm *ConnMap) shardOf(k PeerKey) *connShard {
	return cm.shards[k.hashCode()%shardCount]
}

// Put maps k to c, replacing any previous connection.
func (cm *ConnMap) Put(k PeerKey, c *Conn) {
	s := cm.shardOf(k)
	s.Lock()
	s.m[k] = c
	s.Unlock()
}

// Get returns the connection for k.
func (cm *ConnMap) Get(k PeerKey) (*Conn, bool) {
	s := cm.shardOf(k)
	s.RLock()
	c, ok := s.m[k]
	s.RUnlock()
	return c, ok
}

// Remove deletes k.
func (cm *ConnMap) Remove(k PeerKey) {
	s := cm.shardOf(k)
	s.Lock()
	delete(s.m, k)
	s.Unlock()
}

// RemoveIf deletes k only while it still maps to c. It reports whether an
// entry was deleted.
func (cm *ConnMap) RemoveIf(k PeerKey, c *Conn) bool {
	s := cm.shardOf(k)
	s.Lock()
	defer s.Unlock()
	if cur, ok := s.m[k]; ok && cur == c {
		delete(s.m, k)
		return true
	}
	return false
}

// Size returns the number of entries.
func (cm *ConnMap) Size() int {
	size := 0
	for _, s := range cm.shards {
		s.RLock()
		size += len(s.m)
		s.RUnlock()
	}
	return size
}

// IsEmpty reports whether the map is empty.
func (cm *ConnMap) IsEmpty() bool {
	return cm.Size() <= 0
}

// Keys returns a sorted snapshot of the peers.
func (cm *ConnMap) Keys() []PeerKey {
	var keys []PeerKey
	for _, s := range cm.shards {
		s.RLock()
		for k := range s.m {
			keys = append(keys, k)
		}
		s.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Values returns a snapshot of the connections, ordered by peer.
func (cm *ConnMap) Values() []*Conn {
	type entry struct {
		k PeerKey
		c *Conn
	}
	var entries []entry
	for _, s := range cm.shards {
		s.RLock()
		for k, c := range s.m {
			entries = append(entries, entry{k, c})
		}
		s.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].k.Less(entries[j].k) })
	conns := make([]*Conn, len(entries))
	for i, e := range entries {
		conns[i] = e.c
	}
	return conns
}
