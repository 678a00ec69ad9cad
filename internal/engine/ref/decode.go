package ref

// nf4Table holds the 16 fixed NF4 dequantization values.
var nf4Table = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// signExtend returns v sign-extended from the given bit width. Only the low
// bits of v are inspected.
func signExtend(v uint8, bits int) int8 {
	shift := 8 - bits
	return int8(v<<shift) >> shift
}

// rowDecoder turns one packed weight row into dequantized float32 values.
// A decoder is bound to one worker; the lut scratch makes fast decoding
// allocation-free.
type rowDecoder struct {
	p   *Params
	lut [256]float32
}

// decodeRow expands weight row n into dst (length k). scales and zeros are
// the flattened group parameter buffers; packedZeros is the bit-packed zero
// buffer for the quantized zeros mode, laid out as (k/group, n*bits/8) units.
func (d *rowDecoder) decodeRow(dst []float32, n int, w []byte, scales, zeros []float32, packedZeros []byte) {
	p := d.p
	bits := p.Bits
	mask := uint8(1)<<bits - 1
	fieldsPerByte := 8 / bits
	row := w[n*p.weightRowBytes() : (n+1)*p.weightRowBytes()]
	groups := p.groups()

	for gi := 0; gi < groups; gi++ {
		scale := float32(1)
		if p.WithScaling {
			scale = scales[n*groups+gi]
		}
		var zero float32
		if p.WithZeros {
			switch p.ZerosMode {
			case zerosOriginal, zerosRescale:
				zero = zeros[n*groups+gi]
			case zerosQuantized:
				zrow := packedZeros[gi*(p.N*bits/8) : (gi+1)*(p.N*bits/8)]
				zero = float32(zrow[n/fieldsPerByte] >> (bits * (n % fieldsPerByte)) & mask)
			}
		}

		k0 := gi * p.GroupSize
		k1 := k0 + p.GroupSize
		if p.FastDecoding {
			lut := d.lut[:1<<bits]
			for q := range lut {
				lut[q] = d.dequant(uint8(q), scale, zero)
			}
			for k := k0; k < k1; k++ {
				f := row[k/fieldsPerByte] >> (bits * (k % fieldsPerByte)) & mask
				dst[k] = lut[f]
			}
			continue
		}
		for k := k0; k < k1; k++ {
			f := row[k/fieldsPerByte] >> (bits * (k % fieldsPerByte)) & mask
			dst[k] = d.dequant(f, scale, zero)
		}
	}
}

// dequant maps one raw field to its float value under the signature's source
// format and zeros mode. For the rescale mode the zero argument already holds
// the fused zero*scale product, so it is subtracted after scaling.
func (d *rowDecoder) dequant(q uint8, scale, zero float32) float32 {
	p := d.p
	var v float32
	switch p.SourceFormat {
	case formatUInt:
		v = float32(q)
	case formatInt:
		v = float32(signExtend(q, p.Bits))
	case formatNF:
		return nf4Table[q&0xF] * scale
	}
	if !p.WithZeros {
		return v * scale
	}
	if p.ZerosMode == zerosRescale {
		return v*scale - zero
	}
	return (v - zero) * scale
}
