package agentipc

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
)

// scratchSize is the bounded arena reused across serializations. Messages
// that archive larger fall back to heap growth.
const scratchSize = 1024

// Codec archives a shared-port message type. Marshal writes into the
// ring's buffer slot; Unmarshal decodes a framed payload.
type Codec[M any] interface {
	Marshal(buf []byte, m M) (int, error)
	Unmarshal(b []byte) (M, error)
}

// ProtoCodec archives protobuf messages. A single scratch arena is taken
// out, used, and placed back around each serialization; the marshal
// options themselves are not reused across serializations.
type ProtoCodec[M proto.Message] struct {
	// New allocates an empty message for decoding.
	New func() M

	mu      sync.Mutex
	scratch []byte
}

func (c *ProtoCodec[M]) takeScratch() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scratch
	c.scratch = nil
	if s == nil {
		s = make([]byte, 0, scratchSize)
	}
	return s
}

func (c *ProtoCodec[M]) replaceScratch(s []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch = s[:0]
}

func (c *ProtoCodec[M]) Marshal(buf []byte, m M) (int, error) {
	scratch := c.takeScratch()
	out, err := proto.MarshalOptions{}.MarshalAppend(scratch[:0], m)
	if err != nil {
		c.replaceScratch(scratch)
		return 0, fmt.Errorf("failed to serialize an IPC message: %w", err)
	}
	defer c.replaceScratch(out)
	if len(out) > len(buf) {
		return 0, fmt.Errorf("archived message of %d bytes exceeds the %d byte slot", len(out), len(buf))
	}
	return copy(buf, out), nil
}

func (c *ProtoCodec[M]) Unmarshal(b []byte) (M, error) {
	m := c.New()
	if err := proto.Unmarshal(b, m); err != nil {
		return m, fmt.Errorf("failed to deserialize an IPC message: %w", err)
	}
	return m, nil
}
