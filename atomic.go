package treenet

import (
	"sync/atomic"
)

// AtomicInt64 provides atomic int64 type.
type AtomicInt64 struct {
	v atomic.Int64
}

// NewAtomicInt64 returns an atomic int64 type.
func NewAtomicInt64(initialValue int64) *AtomicInt64 {
	a := &AtomicInt64{}
	a.v.Store(initialValue)
	return a
}

// Get returns the value of int64 atomically.
func (a *AtomicInt64) Get() int64 {
	return a.v.Load()
}

// GetAndIncrement gets the old value and then increment by 1, this operation
// performs atomically.
func (a *AtomicInt64) GetAndIncrement() int64 {
	return a.v.Add(1) - 1
}

// AtomicBoolean provides atomic boolean type.
type AtomicBoolean struct {
	v atomic.Bool
}

// NewAtomicBoolean returns an atomic boolean type.
func NewAtomicBoolean(initialValue bool) *AtomicBoolean {
	a := &AtomicBoolean{}
	a.v.Store(initialValue)
	return a
}

// Get returns the value of boolean atomically.
func (a *AtomicBoolean) Get() bool {
	return a.v.Load()
}

// Set sets the value of boolean atomically.
func (a *AtomicBoolean) Set(newValue bool) {
	a.v.Store(newValue)
}

// CompareAndSet compares boolean with expected value, if equals as expected
// then sets the updated value, this operation performs atomically.
func (a *AtomicBoolean) CompareAndSet(oldValue, newValue bool) bool {
	return a.v.CompareAndSwap(oldValue, newValue)
}

func (a *AtomicBoolean) String() string {
	if a.Get() {
		return "true"
	}
	return "false"
}

var netIdentifier = NewAtomicInt64(0)
