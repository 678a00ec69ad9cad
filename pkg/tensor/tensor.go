// Package tensor provides dense row-major 2-D host tensors backed by raw
// little-endian bytes. The element encoding is carried alongside the data so
// packed integer buffers and half-precision float buffers share one type.
package tensor

import (
	"encoding/binary"
	"math/rand"
	"unsafe"
)

// Tensor is a dense row-major matrix. R and C are the number of rows and
// columns; Raw holds the flattened elements encoded per DType.
//
// Tensor does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices panic.
type Tensor struct {
	R, C  int
	DType DType
	Raw   []byte
}

// New allocates a zero-initialised tensor with the given shape and encoding.
func New(r, c int, dtype DType) *Tensor {
	if r < 0 || c < 0 {
		panic("negative dimension for tensor")
	}
	elems, ok := mulInt(r, c)
	if !ok {
		panic("tensor too large")
	}
	size, ok := mulInt(elems, dtype.Size())
	if !ok {
		panic("tensor too large")
	}
	return &Tensor{R: r, C: c, DType: dtype, Raw: make([]byte, size)}
}

// FromRaw wraps existing raw bytes in the provided dtype without copying.
// The raw slice must contain exactly r*c encoded elements.
func FromRaw(r, c int, dtype DType, raw []byte) (*Tensor, error) {
	if r < 0 || c < 0 {
		return nil, errNegativeDim
	}
	if dtype.Size() == 0 {
		return nil, errUnsupportedDType
	}
	elems, ok := mulInt(r, c)
	if !ok {
		return nil, errTooLarge
	}
	want, ok := mulInt(elems, dtype.Size())
	if !ok {
		return nil, errTooLarge
	}
	if len(raw) != want {
		return nil, errRawSizeMismatch
	}
	return &Tensor{R: r, C: c, DType: dtype, Raw: raw}, nil
}

// FromF32 wraps a float32 slice as an f32 tensor without copying.
// It panics if the slice length does not match r*c.
func FromF32(r, c int, data []float32) *Tensor {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	var raw []byte
	if len(data) > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	}
	return &Tensor{R: r, C: c, DType: DTypeF32, Raw: raw}
}

// NumElems returns the number of elements (R*C).
func (t *Tensor) NumElems() int { return t.R * t.C }

// Bytes returns the raw backing storage.
func (t *Tensor) Bytes() []byte { return t.Raw }

// Ptr returns the address of the first element, or nil for an empty tensor.
// The caller must keep the tensor alive while the pointer is in use.
func (t *Tensor) Ptr() unsafe.Pointer {
	if len(t.Raw) == 0 {
		return nil
	}
	return unsafe.Pointer(&t.Raw[0])
}

// F32s returns the elements as a float32 view. It panics when the tensor is
// not f32 encoded.
func (t *Tensor) F32s() []float32 {
	t.mustDType(DTypeF32)
	if len(t.Raw) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.Raw[0])), t.NumElems())
}

// I8s returns the elements as an int8 view.
func (t *Tensor) I8s() []int8 {
	t.mustDType(DTypeI8)
	if len(t.Raw) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&t.Raw[0])), t.NumElems())
}

// U8s returns the elements as a uint8 view.
func (t *Tensor) U8s() []uint8 {
	t.mustDType(DTypeU8)
	return t.Raw
}

// I32s returns the elements as an int32 view.
func (t *Tensor) I32s() []int32 {
	t.mustDType(DTypeI32)
	if len(t.Raw) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.Raw[0])), t.NumElems())
}

// U16s returns the raw 16-bit element view for f16 and bf16 tensors.
func (t *Tensor) U16s() []uint16 {
	if t.DType != DTypeF16 && t.DType != DTypeBF16 {
		panic("tensor: U16s on " + t.DType.String() + " tensor")
	}
	if len(t.Raw) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.Raw[0])), t.NumElems())
}

// At decodes element (i, j) to float32.
func (t *Tensor) At(i, j int) float32 {
	if i < 0 || i >= t.R || j < 0 || j >= t.C {
		panic("tensor index out of range")
	}
	return decodeElem(t.DType, t.Raw, i*t.C+j)
}

// Set encodes v into element (i, j) in the tensor's dtype.
func (t *Tensor) Set(i, j int, v float32) {
	if i < 0 || i >= t.R || j < 0 || j >= t.C {
		panic("tensor index out of range")
	}
	encodeElem(t.DType, t.Raw, i*t.C+j, v)
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (t *Tensor) RowTo(dst []float32, i int) {
	if i < 0 || i >= t.R {
		panic("row index out of range")
	}
	if len(dst) < t.C {
		panic("row buffer too small")
	}
	decodeRange(t.DType, t.Raw, i*t.C, dst[:t.C])
}

// Floats decodes the whole tensor to a fresh float32 slice in row-major order.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.NumElems())
	decodeRange(t.DType, t.Raw, 0, out)
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	raw := make([]byte, len(t.Raw))
	copy(raw, t.Raw)
	return &Tensor{R: t.R, C: t.C, DType: t.DType, Raw: raw}
}

// ViewAs reinterprets the backing bytes under a different element encoding
// without copying. The row count is preserved; the column count is recomputed
// from the row byte size, which must divide evenly by the new element size.
func (t *Tensor) ViewAs(dtype DType) (*Tensor, error) {
	es := dtype.Size()
	if es == 0 {
		return nil, errUnsupportedDType
	}
	if t.R == 0 {
		return &Tensor{R: 0, C: 0, DType: dtype}, nil
	}
	rowBytes := len(t.Raw) / t.R
	if rowBytes%es != 0 {
		return nil, errRawSizeMismatch
	}
	return &Tensor{R: t.R, C: rowBytes / es, DType: dtype, Raw: t.Raw}, nil
}

// Transpose returns a new contiguous tensor with rows and columns swapped.
func (t *Tensor) Transpose() *Tensor {
	out := New(t.C, t.R, t.DType)
	es := t.DType.Size()
	for i := 0; i < t.R; i++ {
		src := i * t.C * es
		for j := 0; j < t.C; j++ {
			dst := (j*t.R + i) * es
			copy(out.Raw[dst:dst+es], t.Raw[src+j*es:src+(j+1)*es])
		}
	}
	return out
}

// Mul multiplies two equally shaped float tensors elementwise and returns the
// product encoded in the receiver's dtype.
func (t *Tensor) Mul(o *Tensor) (*Tensor, error) {
	if t.R != o.R || t.C != o.C {
		return nil, errShapeMismatch
	}
	if !t.DType.IsFloat() || !o.DType.IsFloat() {
		return nil, errUnsupportedDType
	}
	a := t.Floats()
	b := o.Floats()
	for i := range a {
		a[i] *= b[i]
	}
	out := New(t.R, t.C, t.DType)
	encodeRange(out.DType, out.Raw, 0, a)
	return out, nil
}

// FillRand fills an f32 tensor with reproducible pseudo-random values in a
// small range around zero. The seed controls the sequence; equal seeds produce
// identical tensors.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	data := t.F32s()
	for i := range data {
		data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

func (t *Tensor) mustDType(want DType) {
	if t.DType != want {
		panic("tensor: " + want.String() + " view of " + t.DType.String() + " tensor")
	}
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func putU16le(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:], v)
}

// mulInt multiplies two non-negative ints, reporting overflow.
func mulInt(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/a != b {
		return 0, false
	}
	return p, true
}

var (
	errNegativeDim      = fmtError("negative dimension for tensor")
	errUnsupportedDType = fmtError("unsupported dtype")
	errTooLarge         = fmtError("tensor too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
	errShapeMismatch    = fmtError("tensor shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
