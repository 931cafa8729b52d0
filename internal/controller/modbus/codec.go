// internal/controller/modbus/codec.go
package modbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/controller"
)

// decodeRegisters converts raw registers into the symbol's value.
// 32-bit values use high word first.
func decodeRegisters(s config.SymbolConfig, regs []uint16) (any, error) {
	if len(regs) < int(s.Registers()) {
		return nil, fmt.Errorf("modbus: short read for %s: got=%d want=%d", s.Name, len(regs), s.Registers())
	}

	switch s.Type {
	case config.TypeInt16:
		return int16(regs[0]), nil
	case config.TypeUint16:
		return regs[0], nil
	case config.TypeInt32:
		return int32(uint32(regs[0])<<16 | uint32(regs[1])), nil
	case config.TypeUint32:
		return uint32(regs[0])<<16 | uint32(regs[1]), nil
	case config.TypeFloat32:
		return math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1])), nil
	case config.TypeString:
		return decodeString(regs), nil
	case config.TypeEnum:
		raw := int64(regs[0])
		return controller.EnumValue{Value: raw, Name: s.Enum[raw]}, nil
	default:
		return nil, fmt.Errorf("modbus: unsupported register type %q", s.Type)
	}
}

// encodeRegisters converts a value into registers for the symbol.
func encodeRegisters(s config.SymbolConfig, v any) ([]uint16, error) {
	switch s.Type {
	case config.TypeInt16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("modbus: %d out of int16 range", n)
		}
		return []uint16{uint16(int16(n))}, nil

	case config.TypeUint16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("modbus: %d out of uint16 range", n)
		}
		return []uint16{uint16(n)}, nil

	case config.TypeInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("modbus: %d out of int32 range", n)
		}
		u := uint32(int32(n))
		return []uint16{uint16(u >> 16), uint16(u)}, nil

	case config.TypeUint32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("modbus: %d out of uint32 range", n)
		}
		u := uint32(n)
		return []uint16{uint16(u >> 16), uint16(u)}, nil

	case config.TypeFloat32:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		u := math.Float32bits(float32(f))
		return []uint16{uint16(u >> 16), uint16(u)}, nil

	case config.TypeString:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("modbus: string symbol %s needs string value, got %T", s.Name, v)
		}
		return encodeString(str, int(s.Length)), nil

	case config.TypeEnum:
		var n int64
		switch ev := v.(type) {
		case controller.EnumValue:
			n = ev.Value
		case string:
			found := false
			for raw, name := range s.Enum {
				if name == ev {
					n, found = raw, true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("modbus: %q is not a member of enum %s", ev, s.Name)
			}
		default:
			var err error
			if n, err = toInt64(v); err != nil {
				return nil, err
			}
		}
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("modbus: enum value %d out of range", n)
		}
		return []uint16{uint16(n)}, nil

	default:
		return nil, fmt.Errorf("modbus: unsupported register type %q", s.Type)
	}
}

// decodeString unpacks two ASCII bytes per register (big-endian) and
// stops at the first NUL.
func decodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		b = append(b, byte(r>>8), byte(r))
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// encodeString packs s into exactly n registers, truncating or NUL padding.
func encodeString(s string, n int) []uint16 {
	out := make([]uint16, n)
	b := []byte(s)
	if len(b) > n*2 {
		b = b[:n*2]
	}
	for i := 0; i < n*2; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}
	return out
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		n, err := toInt64(v)
		if err != nil {
			return false, fmt.Errorf("modbus: cannot use %T as bool", v)
		}
		return n != 0, nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("modbus: %d overflows int64", n)
		}
		return int64(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("modbus: cannot use %T as integer", v)
	}
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("modbus: %v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("modbus: cannot use %T as float", v)
		}
		return float64(i), nil
	}
}
