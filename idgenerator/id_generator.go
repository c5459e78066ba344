// Package idgenerator hands out connection ids. The relay identifies a
// connection by id from accept until the nickname handshake completes, and
// keeps the id in its logs afterwards.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 ids and is safe for
// concurrent use. The first Id() returns startValue+1; the counter wraps
// around at the uint32 limit.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first id is startValue+1.
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next id.
func (g *IdGenerator) Id() uint32 {
	return g.id.Add(1)
}

// Last returns the most recently issued id, or the start value if none has
// been issued yet.
func (g *IdGenerator) Last() uint32 {
	return g.id.Load()
}
