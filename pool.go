package shard

import (
	"bytes"
	"sync"
)

var (
	// gpool represents a synchronized Gateway Payload pool.
	gpool sync.Pool

	// bpool represents a synchronized bytes.Buffer pool.
	bpool sync.Pool
)

// getPayload gets a Gateway Payload from the pool.
func getPayload() *GatewayPayload {
	if g := gpool.Get(); g != nil {
		return g.(*GatewayPayload) //nolint:forcetypeassert
	}

	return new(GatewayPayload)
}

// putPayload puts a Gateway Payload into the pool.
func putPayload(g *GatewayPayload) {
	// reset the Gateway Payload.
	g.Op = 0
	g.Data = nil
	g.SequenceNumber = nil
	g.EventName = nil
	gpool.Put(g)
}

// getBuffer gets a buffer from the pool.
func getBuffer() *bytes.Buffer {
	if b := bpool.Get(); b != nil {
		return b.(*bytes.Buffer) //nolint:forcetypeassert
	}

	return new(bytes.Buffer)
}

// putBuffer puts a buffer into the pool.
func putBuffer(b *bytes.Buffer) {
	b.Reset()
	bpool.Put(b)
}
