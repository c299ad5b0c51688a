//go:build linux

package agentipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// frameHeaderSize is the native-endian length prefix in front of every
// archived payload.
const frameHeaderSize = 8

// Ring header layout. The header is followed by the data region: on
// initialization it holds the archived initial state; in message mode it
// holds input buffer 0, input buffer 1, and the output buffer, in that
// order.
const (
	offInputTS0    = 0
	offInputTS1    = 8
	offOutputTS    = 16
	offInputCount  = 24
	offInputIndex  = 28
	offSemInputTx  = 32
	offSemInputRx  = 36
	offSemOutputTx = 40
	offSemOutputRx = 44
	headerSize     = 48
)

type ring struct {
	spec SharedSpec
	data []byte
}

func ringSize(spec SharedSpec) int {
	return headerSize + max(spec.SerializedInitSize, 2*spec.SerializedInputSize+spec.SerializedOutputSize)
}

// createRing builds the memfd, sizes it, maps it, and initializes the
// header: both input semaphores and the output-ready semaphore start at
// zero, the output-free semaphore at one.
func createRing(name string, spec SharedSpec) (*ring, *os.File, error) {
	size := ringSize(spec)
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	r := &ring{spec: spec, data: data}
	r.inputTx().init(0)
	r.inputRx().init(0)
	r.outputTx().init(1)
	r.outputRx().init(0)
	r.setInputCount(0)
	r.setInputIndex(0)
	return r, f, nil
}

// attachRing maps an existing ring from its file descriptor. The child
// must map with exactly the same spec the broker created with.
func attachRing(f *os.File, spec SharedSpec) (*ring, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, ringSize(spec), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &ring{spec: spec, data: data}, nil
}

func (r *ring) inputTx() sem  { return semAt(r.data[offSemInputTx:]) }
func (r *ring) inputRx() sem  { return semAt(r.data[offSemInputRx:]) }
func (r *ring) outputTx() sem { return semAt(r.data[offSemOutputTx:]) }
func (r *ring) outputRx() sem { return semAt(r.data[offSemOutputRx:]) }

func (r *ring) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *ring) inputCount() uint32     { return atomic.LoadUint32(r.u32(offInputCount)) }
func (r *ring) setInputCount(v uint32) { atomic.StoreUint32(r.u32(offInputCount), v) }
func (r *ring) inputIndex() uint32     { return atomic.LoadUint32(r.u32(offInputIndex)) }
func (r *ring) setInputIndex(v uint32) { atomic.StoreUint32(r.u32(offInputIndex), v) }

func (r *ring) inputTS(n uint32) int64 {
	return int64(binary.NativeEndian.Uint64(r.data[offInputTS0+8*int(n):]))
}

func (r *ring) setInputTS(n uint32, ns int64) {
	binary.NativeEndian.PutUint64(r.data[offInputTS0+8*int(n):], uint64(ns))
}

func (r *ring) outputTS() int64 {
	return int64(binary.NativeEndian.Uint64(r.data[offOutputTS:]))
}

func (r *ring) setOutputTS(ns int64) {
	binary.NativeEndian.PutUint64(r.data[offOutputTS:], uint64(ns))
}

func (r *ring) region() []byte { return r.data[headerSize:] }

func (r *ring) initBuf() []byte {
	return r.region()[:r.spec.SerializedInitSize]
}

func (r *ring) inputBuf(n uint32) []byte {
	lo := int(n) * r.spec.SerializedInputSize
	return r.region()[lo : lo+r.spec.SerializedInputSize]
}

func (r *ring) outputBuf() []byte {
	lo := 2 * r.spec.SerializedInputSize
	return r.region()[lo : lo+r.spec.SerializedOutputSize]
}

// writeFrame archives m into buf behind the length prefix.
func writeFrame[M any](buf []byte, codec Codec[M], m M) error {
	n, err := codec.Marshal(buf[frameHeaderSize:], m)
	if err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(buf[:frameHeaderSize], uint64(n))
	return nil
}

// readFrame decodes the framed payload in buf.
func readFrame[M any](buf []byte, codec Codec[M]) (M, error) {
	length := binary.NativeEndian.Uint64(buf[:frameHeaderSize])
	if int(length) > len(buf)-frameHeaderSize {
		var zero M
		return zero, fmt.Errorf("framed payload of %d bytes exceeds the %d byte slot", length, len(buf)-frameHeaderSize)
	}
	return codec.Unmarshal(buf[frameHeaderSize : frameHeaderSize+int(length)])
}

// pushInput writes one framed input into the next write slot and
// advances the window: the index cycles over the two buffers and the
// count caps at two, so the ring keeps the latest two inputs.
//
// The caller owns the semaphore protocol around this.
func (r *ring) pushInput(fill func(slot []byte) error, ts time.Time) error {
	idx := r.inputIndex()
	if err := fill(r.inputBuf(idx)); err != nil {
		return err
	}
	r.setInputTS(idx, ts.UnixNano())
	r.setInputIndex((idx + 1) % 2)
	r.setInputCount(min(r.inputCount()+1, 2))
	return nil
}

// drainInputs copies the unseen inputs out of the ring at close time, up
// to input_count of them. When the full window is in use and the next
// write slot is buffer 0, the visit order remaps to (i+1)%2; this
// reproduces the established drain order exactly, and consumers replay
// whatever order they receive.
func (r *ring) drainInputs() []ReplayInput {
	count := r.inputCount()
	if count > 2 {
		count = 2
	}
	var out []ReplayInput
	for i := uint32(0); i < count; i++ {
		j := i
		if count == 2 && r.inputIndex() == 0 {
			j = (i + 1) % 2
		}
		out = append(out, ReplayInput{
			Data:     append([]byte(nil), r.inputBuf(j)...),
			SourceTS: time.Unix(0, r.inputTS(j)),
		})
	}
	return out
}

// unmap releases the mapping without touching the semaphores; the child
// side uses this.
func (r *ring) unmap() error {
	return unix.Munmap(r.data)
}

// destroy tears the ring down: all four semaphores are destroyed before
// the unmap, and a semaphore failure is reported but does not stop the
// cleanup.
func (r *ring) destroy() error {
	var errs []error
	for _, s := range []sem{r.inputTx(), r.inputRx(), r.outputTx(), r.outputRx()} {
		if err := s.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.unmap(); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	return errors.Join(errs...)
}
