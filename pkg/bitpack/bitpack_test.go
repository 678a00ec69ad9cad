package bitpack

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/samcharles93/anvil/pkg/tensor"
)

// TestPackUnpackRoundTrip checks that unpack(pack(x)) == x for every
// supported bit width, for values covering the full representable range.
func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, bits := range []int{1, 2, 4, 8} {
		src := tensor.New(4, 16, tensor.DTypeU8)
		data := src.U8s()
		for i := range data {
			data[i] = uint8(rng.Intn(1 << bits))
		}
		packed, err := Pack(src, bits)
		if err != nil {
			t.Fatalf("bits=%d: pack failed: %v", bits, err)
		}
		if packed.C != 16*bits/8 {
			t.Fatalf("bits=%d: packed columns got %d, want %d", bits, packed.C, 16*bits/8)
		}
		back, err := Unpack(packed, bits)
		if err != nil {
			t.Fatalf("bits=%d: unpack failed: %v", bits, err)
		}
		if back.R != src.R || back.C != src.C {
			t.Fatalf("bits=%d: round-trip shape got %dx%d, want %dx%d", bits, back.R, back.C, src.R, src.C)
		}
		for i, v := range back.U8s() {
			if v != data[i] {
				t.Fatalf("bits=%d: round-trip mismatch at %d: got %d, want %d", bits, i, v, data[i])
			}
		}
	}
}

// TestPackUnpackRoundTrip32 runs the round-trip law through 32-bit storage
// units.
func TestPackUnpackRoundTrip32(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, bits := range []int{1, 2, 4, 8} {
		src := tensor.New(3, 32, tensor.DTypeU8)
		data := src.U8s()
		for i := range data {
			data[i] = uint8(rng.Intn(1 << bits))
		}
		packed, err := Pack32(src, bits)
		if err != nil {
			t.Fatalf("bits=%d: pack32 failed: %v", bits, err)
		}
		if packed.DType != tensor.DTypeI32 || packed.C != 32*bits/32 {
			t.Fatalf("bits=%d: packed got %s %dx%d", bits, packed.DType, packed.R, packed.C)
		}
		back, err := Unpack(packed, bits)
		if err != nil {
			t.Fatalf("bits=%d: unpack failed: %v", bits, err)
		}
		for i, v := range back.U8s() {
			if v != data[i] {
				t.Fatalf("bits=%d: round-trip mismatch at %d: got %d, want %d", bits, i, v, data[i])
			}
		}
	}
}

// TestUnpackFieldOrder pins the LSB-first field layout within a unit.
func TestUnpackFieldOrder(t *testing.T) {
	packed := tensor.New(1, 1, tensor.DTypeU8)
	// Fields (LSB first) for 2 bits: 3, 0, 2, 1 -> 0b01_10_00_11.
	packed.U8s()[0] = 0b01100011
	out, err := Unpack(packed, 2)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	want := []uint8{3, 0, 2, 1}
	for i, w := range want {
		if got := out.U8s()[i]; got != w {
			t.Fatalf("field %d: got %d, want %d", i, got, w)
		}
	}
}

// TestUnpackNoSignExtension checks that high fields of a negative i32 unit
// are extracted logically.
func TestUnpackNoSignExtension(t *testing.T) {
	packed := tensor.New(1, 1, tensor.DTypeI32)
	packed.I32s()[0] = -1 // all bits set
	out, err := Unpack(packed, 4)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if out.C != 8 {
		t.Fatalf("expected 8 fields, got %d", out.C)
	}
	for i, v := range out.U8s() {
		if v != 15 {
			t.Fatalf("field %d: got %d, want 15", i, v)
		}
	}
}

// TestZeroCorrectionWraparound checks the legacy zero-point offset: a stored
// field of 15 at 4 bits decodes to 0 with the corrected variant and stays 15
// with the v2 variant.
func TestZeroCorrectionWraparound(t *testing.T) {
	packed := tensor.New(1, 1, tensor.DTypeI32)
	// Eight 4-bit fields: 15, 0, 1, 2, 3, 4, 5, 6 (LSB first).
	packed.I32s()[0] = int32(uint32(0x6543210F))
	corrected, err := UnpackZeros(packed, 4)
	if err != nil {
		t.Fatalf("unpack zeros failed: %v", err)
	}
	wantCorrected := []uint8{0, 1, 2, 3, 4, 5, 6, 7}
	for i, w := range wantCorrected {
		if got := corrected.U8s()[i]; got != w {
			t.Fatalf("corrected field %d: got %d, want %d", i, got, w)
		}
	}
	raw, err := UnpackZerosV2(packed, 4)
	if err != nil {
		t.Fatalf("unpack zeros v2 failed: %v", err)
	}
	wantRaw := []uint8{15, 0, 1, 2, 3, 4, 5, 6}
	for i, w := range wantRaw {
		if got := raw.U8s()[i]; got != w {
			t.Fatalf("v2 field %d: got %d, want %d", i, got, w)
		}
	}
}

// TestPackRangeRejection checks that pack fails loudly when a value does not
// fit the bit width.
func TestPackRangeRejection(t *testing.T) {
	src := tensor.New(1, 8, tensor.DTypeU8)
	src.U8s()[3] = 16
	if _, err := Pack(src, 4); !errors.Is(err, ErrValueRange) {
		t.Fatalf("expected ErrValueRange, got %v", err)
	}
}

// TestPackColumnRatio checks that a column count not divisible by the packing
// ratio is rejected.
func TestPackColumnRatio(t *testing.T) {
	src := tensor.New(1, 3, tensor.DTypeU8)
	if _, err := Pack(src, 4); !errors.Is(err, ErrColumnRatio) {
		t.Fatalf("expected ErrColumnRatio, got %v", err)
	}
}

// TestUnpackBadInputs checks bit-width and unit dtype validation.
func TestUnpackBadInputs(t *testing.T) {
	if _, err := Unpack(tensor.New(1, 2, tensor.DTypeU8), 3); !errors.Is(err, ErrBitWidth) {
		t.Fatalf("expected ErrBitWidth, got %v", err)
	}
	if _, err := Unpack(tensor.New(1, 2, tensor.DTypeF32), 4); !errors.Is(err, ErrStorageUnit) {
		t.Fatalf("expected ErrStorageUnit, got %v", err)
	}
}

// TestViewEquivalence checks that unpacking an i32-unit tensor matches
// unpacking its little-endian byte view, which is what lets externally packed
// 32-bit weights be consumed as 8-bit units.
func TestViewEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	packed := tensor.New(2, 4, tensor.DTypeI32)
	units := packed.I32s()
	for i := range units {
		units[i] = int32(rng.Uint32())
	}
	asBytes, err := packed.ViewAs(tensor.DTypeU8)
	if err != nil {
		t.Fatalf("byte view failed: %v", err)
	}
	for _, bits := range []int{2, 4, 8} {
		from32, err := Unpack(packed, bits)
		if err != nil {
			t.Fatalf("bits=%d: unpack i32 failed: %v", bits, err)
		}
		from8, err := Unpack(asBytes, bits)
		if err != nil {
			t.Fatalf("bits=%d: unpack u8 view failed: %v", bits, err)
		}
		for i, v := range from32.U8s() {
			if v != from8.U8s()[i] {
				t.Fatalf("bits=%d: field %d differs: i32 %d vs u8 %d", bits, i, v, from8.U8s()[i])
			}
		}
	}
}
