package device

import (
	"fmt"
	"math"
)

// DecodeWords turns raw big-endian words into a number per the register
// format. u16 is masked to its low 16 bits.
func DecodeWords(f Format, words []uint16) (float64, error) {
	need, err := f.WordCount()
	if err != nil {
		return 0, err
	}
	if len(words) < int(need) {
		return 0, fmt.Errorf("decode %s: need %d words, have %d", f, need, len(words))
	}
	switch f {
	case "", U16:
		return float64(words[0] & 0xFFFF), nil
	case I16:
		return float64(int16(words[0])), nil
	case U32:
		return float64(uint32(words[0])<<16 | uint32(words[1])), nil
	case I32:
		return float64(int32(uint32(words[0])<<16 | uint32(words[1]))), nil
	case F32:
		return float64(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1]))), nil
	case U64:
		v := uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3])
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unknown register format %q", f)
	}
}

// applyFormula evaluates the linear formula v' = a + b*v + c*v^2, truncated
// to the declared coefficients.
func applyFormula(coeffs []float64, v float64) float64 {
	if len(coeffs) == 0 {
		return v
	}
	out := coeffs[0]
	if len(coeffs) > 1 {
		out += coeffs[1] * v
	}
	if len(coeffs) > 2 {
		out += coeffs[2] * v * v
	}
	return out
}

// invertFormula solves a + b*v = raw for v. Quadratic formulas cannot be
// written back.
func invertFormula(coeffs []float64, v float64) (float64, error) {
	switch len(coeffs) {
	case 0:
		return v, nil
	case 1:
		return v - coeffs[0], nil
	case 2:
		if coeffs[1] == 0 {
			return 0, fmt.Errorf("formula not invertible: zero slope")
		}
		return (v - coeffs[0]) / coeffs[1], nil
	default:
		return 0, fmt.Errorf("quadratic formula not invertible for writes")
	}
}

// roundTo rounds v to the given number of decimals.
func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// decodePin runs the full per-pin pipeline: format decode, bit extract,
// linear formula, scale, offset, precision rounding. scaleMul is the
// multiplier resolved from a scale_from register (1 when absent).
func decodePin(def *RegisterDef, words []uint16, scaleMul float64) (float64, error) {
	v, err := DecodeWords(def.Format, words)
	if err != nil {
		return 0, err
	}
	if def.Bit != nil {
		v = float64((uint64(v) >> *def.Bit) & 1)
	}
	v = applyFormula(def.Formula, v)
	if def.Scale != nil {
		v *= *def.Scale
	}
	v *= scaleMul
	if def.OffsetValue != nil {
		v += *def.OffsetValue
	}
	if def.Precision != nil {
		v = roundTo(v, *def.Precision)
	}
	return v, nil
}

// encodePin inverts the pipeline for writes: subtract offset, divide scale,
// invert formula, clamp to the register's word width.
func encodePin(def *RegisterDef, v float64) ([]uint16, error) {
	if def.OffsetValue != nil {
		v -= *def.OffsetValue
	}
	if def.Scale != nil {
		if *def.Scale == 0 {
			return nil, fmt.Errorf("register %s: zero scale", def.Name)
		}
		v /= *def.Scale
	}
	raw, err := invertFormula(def.Formula, v)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", def.Name, err)
	}
	n := int64(math.Round(raw))

	switch def.Format {
	case "", U16:
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("register %s: value %d out of u16 range", def.Name, n)
		}
		return []uint16{uint16(n)}, nil
	case I16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("register %s: value %d out of i16 range", def.Name, n)
		}
		return []uint16{uint16(int16(n))}, nil
	case U32, I32:
		u := uint32(n)
		return []uint16{uint16(u >> 16), uint16(u)}, nil
	case F32:
		u := math.Float32bits(float32(raw))
		return []uint16{uint16(u >> 16), uint16(u)}, nil
	case U64:
		u := uint64(n)
		return []uint16{uint16(u >> 48), uint16(u >> 32), uint16(u >> 16), uint16(u)}, nil
	default:
		return nil, fmt.Errorf("unknown register format %q", def.Format)
	}
}

// composeValue combines component raw words per a named composition formula.
//
// combine_32bit_be: two single-word components, hi then lo.
// combine_64bit_4word_with_dp: the last component holds the decimal-point
// count; the preceding words compose a big-endian integer divided by 10^dp.
func composeValue(formula string, parts [][]uint16) (float64, error) {
	flat := make([]uint16, 0, len(parts))
	for _, p := range parts {
		flat = append(flat, p...)
	}
	switch formula {
	case Combine32BitBE:
		if len(flat) != 2 {
			return 0, fmt.Errorf("%s: need 2 words, have %d", formula, len(flat))
		}
		return float64(uint32(flat[0])<<16 | uint32(flat[1])), nil
	case Combine64Bit4WordDP:
		if len(flat) != 4 {
			return 0, fmt.Errorf("%s: need 4 words, have %d", formula, len(flat))
		}
		dp := flat[3]
		if dp > 9 {
			return 0, fmt.Errorf("%s: decimal point %d out of range", formula, dp)
		}
		v := uint64(flat[0])<<32 | uint64(flat[1])<<16 | uint64(flat[2])
		return float64(v) / math.Pow10(int(dp)), nil
	default:
		return 0, fmt.Errorf("unknown compose formula %q", formula)
	}
}

// scaleMultiplier maps a scale-index register's value to a power-of-ten
// multiplier. The raw register value is reinterpreted as a signed 16-bit
// exponent, so 65535 means 10^-1. Converting the float straight to int16
// would be out of range for values above 32767; go through uint16 first.
func scaleMultiplier(idx float64) float64 {
	return math.Pow10(int(int16(uint16(idx))))
}
