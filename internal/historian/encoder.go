// internal/historian/encoder.go
package historian

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/sink"
)

var (
	keyEscaper         = strings.NewReplacer(" ", `\ `, ",", `\,`, "=", `\=`)
	measurementEscaper = strings.NewReplacer(" ", `\ `, ",", `\,`)
	stringEscaper      = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

type field struct {
	symbol string
	key    string // escaped
}

type measurement struct {
	name   string // escaped
	fields []field
	bySym  map[string]string
}

// Encoder turns batches into line records. It is immutable; a config
// change builds a new one.
type Encoder struct {
	byController map[string]*measurement
}

// NewEncoder precomputes the escaped measurement and field names of every
// enabled tag. Tags marked remove or disabled get no field.
func NewEncoder(configs map[string]Config) *Encoder {
	e := &Encoder{byController: make(map[string]*measurement, len(configs))}
	for ctrl, cfg := range configs {
		name := cfg.Measurement
		if name == "" {
			name = ctrl
		}
		m := &measurement{
			name:  measurementEscaper.Replace(name),
			bySym: make(map[string]string),
		}
		for _, t := range cfg.Tags {
			if !t.Active() || t.Field == "" || t.Tag == "" {
				continue
			}
			if _, dup := m.bySym[t.Tag]; dup {
				continue
			}
			k := keyEscaper.Replace(t.Field)
			m.bySym[t.Tag] = k
			m.fields = append(m.fields, field{symbol: t.Tag, key: k})
		}
		e.byController[ctrl] = m
	}
	return e
}

// Encode writes one record per controller of b, in controller name order,
// each terminated by the window timestamp in milliseconds. Fields follow
// the tag order of the config. Symbols without a field are skipped and a
// controller without fields produces no record.
func (e *Encoder) Encode(b sink.Batch, tsMillis int64) []byte {
	ctrls := make([]string, 0, len(b))
	for c := range b {
		ctrls = append(ctrls, c)
	}
	sort.Strings(ctrls)

	var out bytes.Buffer
	for _, c := range ctrls {
		m, ok := e.byController[c]
		if !ok {
			continue
		}
		values := b[c]

		var line bytes.Buffer
		n := 0
		for _, f := range m.fields {
			v, ok := values[f.symbol]
			if !ok {
				continue
			}
			if !appendField(&line, n > 0, f.key, v) {
				continue
			}
			n++
		}
		if n == 0 {
			continue
		}

		out.WriteString(m.name)
		out.WriteByte(' ')
		out.Write(line.Bytes())
		out.WriteByte(' ')
		out.WriteString(strconv.FormatInt(tsMillis, 10))
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// HasField reports whether (controller, symbol) maps to a field.
func (e *Encoder) HasField(ctrl, symbol string) bool {
	m, ok := e.byController[ctrl]
	if !ok {
		return false
	}
	_, ok = m.bySym[symbol]
	return ok
}

// appendField writes key=value (with a leading comma when sep is set).
// It reports false for values with no line-record form.
func appendField(buf *bytes.Buffer, sep bool, key string, v any) bool {
	var val string
	switch x := v.(type) {
	case controller.EnumValue:
		if sep {
			buf.WriteByte(',')
		}
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(strconv.FormatInt(x.Value, 10))
		buf.WriteByte(',')
		buf.WriteString(key)
		buf.WriteString(`_name="`)
		buf.WriteString(stringEscaper.Replace(x.Name))
		buf.WriteByte('"')
		return true
	case bool:
		val = strconv.FormatBool(x)
	case string:
		val = `"` + stringEscaper.Replace(x) + `"`
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
		val = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
		val = strconv.FormatFloat(x, 'f', -1, 64)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		val = fmt.Sprint(x)
	default:
		return false
	}

	if sep {
		buf.WriteByte(',')
	}
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(val)
	return true
}
