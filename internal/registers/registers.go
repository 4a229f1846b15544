// Package registers holds the static register layout tables for the Renogy
// device models and the arithmetic that turns raw words into telemetry
// fields. Model variance lives here and nowhere else.
package registers

import (
	"fmt"
	"math"
	"sort"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// Set selects which register layout a device speaks.
type Set string

const (
	SetController Set = "controller"
	SetBattery    Set = "battery"
	SetInverter   Set = "inverter"
)

// ParseSet maps a config string onto a register set.
func ParseSet(s string) (Set, error) {
	switch Set(s) {
	case SetController, SetBattery, SetInverter:
		return Set(s), nil
	}
	return "", fmt.Errorf("registers: unknown device type %q", s)
}

// Kind describes how a field's raw words decode.
type Kind uint8

const (
	U16 Kind = iota
	S16
	U32
	S32
	ASCII
	// TempHiByte / TempLoByte are Renogy's sign-bit byte temperatures
	// packed into half a word.
	TempHiByte
	TempLoByte
	// EnumLoByte looks up the low byte of the word in the Enum map.
	EnumLoByte
)

// FieldSpec describes one telemetry field inside a block.
// Offsets are in words relative to the block start.
type FieldSpec struct {
	Name   string
	Offset int
	Words  int // ASCII length; ignored for fixed-width kinds
	Kind   Kind
	Scale  float64 // 0 means 1
	Unit   string
	Enum   map[uint16]string
}

// DerivedFunc decodes the parts of a block that are not plain scalar fields
// (bitfields, count-prefixed arrays, computed values).
type DerivedFunc func(words []uint16) map[string]telemetry.Value

// Block is one contiguous register read.
type Block struct {
	Name    string
	Start   uint16
	Words   uint16
	Fields  []FieldSpec
	Derived DerivedFunc
}

// Blocks returns the reads to issue for a register set, in read order.
func Blocks(set Set) []Block {
	switch set {
	case SetController:
		return controllerBlocks
	case SetBattery:
		return batteryBlocks
	case SetInverter:
		return inverterBlocks
	}
	return nil
}

// Decode converts one block's raw words into telemetry fields.
// Fields whose span falls outside the data are skipped, never zero-filled.
func Decode(b Block, words []uint16) map[string]telemetry.Value {
	out := make(map[string]telemetry.Value)

	for _, f := range b.Fields {
		if v, ok := decodeField(f, words); ok {
			out[f.Name] = v
		}
	}

	if b.Derived != nil {
		for name, v := range b.Derived(words) {
			out[name] = v
		}
	}

	return out
}

func decodeField(f FieldSpec, words []uint16) (telemetry.Value, bool) {
	width := 1
	switch f.Kind {
	case U32, S32:
		width = 2
	case ASCII:
		width = f.Words
	}
	if f.Offset+width > len(words) {
		return telemetry.Value{}, false
	}

	switch f.Kind {
	case U16:
		v := words[f.Offset]
		if f.Enum != nil {
			return telemetry.Text(enumLookup(f.Enum, v)), true
		}
		return telemetry.Number(scaled(float64(v), f.Scale), f.Unit), true

	case S16:
		return telemetry.Number(scaled(float64(int16(words[f.Offset])), f.Scale), f.Unit), true

	case U32:
		v := uint32(words[f.Offset])<<16 | uint32(words[f.Offset+1])
		return telemetry.Number(scaled(float64(v), f.Scale), f.Unit), true

	case S32:
		v := int32(uint32(words[f.Offset])<<16 | uint32(words[f.Offset+1]))
		return telemetry.Number(scaled(float64(v), f.Scale), f.Unit), true

	case ASCII:
		return telemetry.Text(asciiString(words[f.Offset : f.Offset+width])), true

	case TempHiByte:
		return telemetry.Number(signBitTemp(byte(words[f.Offset]>>8)), f.Unit), true

	case TempLoByte:
		return telemetry.Number(signBitTemp(byte(words[f.Offset]&0xFF)), f.Unit), true

	case EnumLoByte:
		return telemetry.Text(enumLookup(f.Enum, words[f.Offset]&0xFF)), true
	}

	return telemetry.Value{}, false
}

func scaled(v, scale float64) float64 {
	if scale == 0 || scale == 1 {
		return v
	}
	return math.Round(v*scale*1000) / 1000
}

func enumLookup(m map[uint16]string, v uint16) string {
	if s, ok := m[v]; ok {
		return s
	}
	return "unknown"
}

// asciiString extracts the printable characters from a word run.
func asciiString(words []uint16) string {
	buf := make([]byte, 0, 2*len(words))
	for _, w := range words {
		for _, b := range []byte{byte(w >> 8), byte(w & 0xFF)} {
			if b >= 32 && b <= 126 {
				buf = append(buf, b)
			}
		}
	}
	for len(buf) > 0 && buf[len(buf)-1] == ' ' {
		buf = buf[:len(buf)-1]
	}
	for len(buf) > 0 && buf[0] == ' ' {
		buf = buf[1:]
	}
	return string(buf)
}

// signBitTemp decodes Renogy's byte temperature: bit 7 is a sign flag, not
// two's complement.
func signBitTemp(raw byte) float64 {
	if raw > 127 {
		return -float64(raw - 128)
	}
	return float64(raw)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}

func dayField(prefix string, day int) string {
	return fmt.Sprintf("%s_%d", prefix, day+1)
}
