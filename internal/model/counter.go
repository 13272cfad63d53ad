package model

import "go.uber.org/atomic"

// atomicCounter backs ClientConnect.requests. It replaces the mutable,
// controller-visible counter field the original design used (see
// DESIGN.md "mutable counters on ClientConnect"): the handler owns it and
// copies its value into each published event instead of letting the
// controller mutate shared state.
type atomicCounter struct {
	v atomic.Uint32
}

func newAtomicCounter() *atomicCounter {
	return &atomicCounter{}
}

func (c *atomicCounter) inc() uint32 {
	return c.v.Inc()
}

func (c *atomicCounter) load() uint32 {
	return c.v.Load()
}
