package device

import (
	"math"
	"testing"
)

// --- helpers ---

func fv(v float64) *float64 { return &v }
func iv(v int) *int         { return &v }
func bv(v uint) *uint       { return &v }

func TestDecodeWordsFormats(t *testing.T) {
	tests := []struct {
		name  string
		f     Format
		words []uint16
		want  float64
	}{
		{"u16", U16, []uint16{500}, 500},
		{"u16 default", "", []uint16{500}, 500},
		{"i16 negative", I16, []uint16{0xFFFE}, -2},
		{"u32", U32, []uint16{0x0001, 0x0000}, 65536},
		{"i32 negative", I32, []uint16{0xFFFF, 0xFFFF}, -1},
		{"f32", F32, []uint16{0x42C8, 0x0000}, 100},
		{"u64", U64, []uint16{0, 0, 1, 0}, 65536},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeWords(tt.f, tt.words)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DecodeWords(%s, %v) = %v, want %v", tt.f, tt.words, got, tt.want)
			}
		})
	}
}

func TestDecodeWordsShortInput(t *testing.T) {
	if _, err := DecodeWords(U32, []uint16{1}); err == nil {
		t.Fatal("u32 with one word must fail")
	}
	if _, err := DecodeWords("u128", []uint16{1}); err == nil {
		t.Fatal("unknown format must fail")
	}
}

func TestDecodePinPipeline(t *testing.T) {
	// raw 515 with scale 0.1 and precision 1 -> 51.5
	def := &RegisterDef{Format: U16, Scale: fv(0.1), Precision: iv(1)}
	got, err := decodePin(def, []uint16{515}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 51.5 {
		t.Errorf("decodePin = %v, want 51.5", got)
	}
}

func TestDecodePinBitExtract(t *testing.T) {
	def := &RegisterDef{Format: U16, Bit: bv(3)}
	got, err := decodePin(def, []uint16{0b1000}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("bit 3 of 0b1000 = %v, want 1", got)
	}
	got, _ = decodePin(def, []uint16{0b0111}, 1)
	if got != 0 {
		t.Errorf("bit 3 of 0b0111 = %v, want 0", got)
	}
}

func TestDecodePinFormulaAndOffset(t *testing.T) {
	// v' = 10 + 2*v, then offset +1
	def := &RegisterDef{Format: U16, Formula: []float64{10, 2}, OffsetValue: fv(1)}
	got, err := decodePin(def, []uint16{5}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 21 {
		t.Errorf("decodePin = %v, want 21", got)
	}
}

func TestDecodePinScaleFromMultiplier(t *testing.T) {
	def := &RegisterDef{Format: U16}
	got, err := decodePin(def, []uint16{5}, scaleMultiplier(-2))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-0.05) > 1e-12 {
		t.Errorf("decodePin with 10^-2 multiplier = %v, want 0.05", got)
	}
}

func TestEncodePinInvertsPipeline(t *testing.T) {
	def := &RegisterDef{Name: "HZ", Format: U16, Scale: fv(0.1)}
	words, err := encodePin(def, 51.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 1 || words[0] != 515 {
		t.Fatalf("encodePin(51.5, scale 0.1) = %v, want [515]", words)
	}

	// Roundtrip through the decode side.
	back, err := decodePin(def, words, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(back-51.5) > 0.05 {
		t.Errorf("roundtrip = %v, want 51.5", back)
	}
}

func TestEncodePinLinearFormula(t *testing.T) {
	def := &RegisterDef{Name: "T", Format: I16, Formula: []float64{-40, 0.5}}
	// decode(100) = -40 + 50 = 10; encode(10) must give 100 back.
	words, err := encodePin(def, 10)
	if err != nil {
		t.Fatal(err)
	}
	if words[0] != 100 {
		t.Fatalf("encodePin = %v, want [100]", words)
	}
}

func TestEncodePinRejectsQuadraticAndRange(t *testing.T) {
	quad := &RegisterDef{Name: "Q", Format: U16, Formula: []float64{0, 1, 1}}
	if _, err := encodePin(quad, 10); err == nil {
		t.Fatal("quadratic formula must not encode")
	}
	u16 := &RegisterDef{Name: "U", Format: U16}
	if _, err := encodePin(u16, -1); err == nil {
		t.Fatal("negative u16 must not encode")
	}
	if _, err := encodePin(u16, 70000); err == nil {
		t.Fatal("u16 overflow must not encode")
	}
}

func TestComposeCombine32BitBE(t *testing.T) {
	got, err := composeValue(Combine32BitBE, [][]uint16{{0x0001}, {0x0000}})
	if err != nil {
		t.Fatal(err)
	}
	if got != 65536 {
		t.Errorf("combine_32bit_be = %v, want 65536", got)
	}
}

func TestComposeCombine64Bit4WordDP(t *testing.T) {
	// value words compose 0x000000010000 = 65536, dp = 2 -> 655.36
	got, err := composeValue(Combine64Bit4WordDP, [][]uint16{{0}, {1}, {0}, {2}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-655.36) > 1e-9 {
		t.Errorf("combine_64bit_4word_with_dp = %v, want 655.36", got)
	}

	if _, err := composeValue(Combine64Bit4WordDP, [][]uint16{{0}, {1}, {0}, {12}}); err == nil {
		t.Fatal("dp above 9 must fail")
	}
}

func TestScaleMultiplierSigned(t *testing.T) {
	if scaleMultiplier(2) != 100 {
		t.Error("exponent 2 must give 100")
	}
	// A raw 0xFFFF reads as 65535 from an unsigned decode; the multiplier
	// treats it as the signed exponent -1.
	if scaleMultiplier(65535) != 0.1 {
		t.Error("raw 0xFFFF must give 10^-1")
	}
	if got := scaleMultiplier(65533); math.Abs(got-1e-3) > 1e-12 {
		t.Errorf("raw 0xFFFD = %v, want 10^-3", got)
	}
}
