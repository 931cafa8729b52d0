// internal/historian/encoder_test.go
package historian

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/sink"
)

func TestEncode_ReactorTemp(t *testing.T) {
	enc := NewEncoder(map[string]Config{
		"PLC1": {
			Measurement: "Reactor",
			Name:        "PLC1",
			Tags:        []Tag{{Field: "Temp", Tag: "Main.Temp", Disabled: false}},
		},
	})

	got := enc.Encode(sink.Batch{"PLC1": {"Main.Temp": 23.5}}, 1000)
	assert.Equal(t, "Reactor Temp=23.5 1000\n", string(got))
}

func TestEncode_ValueForms(t *testing.T) {
	enc := NewEncoder(map[string]Config{
		"PLC1": {
			Measurement: "Line 1",
			Tags: []Tag{
				{Field: "run state", Tag: "Main.Run"},
				{Field: "count", Tag: "Main.Count"},
				{Field: "a=b,c", Tag: "Main.Odd"},
				{Field: "label", Tag: "Main.Label"},
				{Field: "mode", Tag: "Main.Mode"},
				{Field: "level", Tag: "Main.Level"},
			},
		},
	})

	got := enc.Encode(sink.Batch{"PLC1": {
		"Main.Run":    true,
		"Main.Count":  int16(-4),
		"Main.Odd":    uint32(7),
		"Main.Label":  `say "hi" \o/`,
		"Main.Mode":   controller.EnumValue{Value: 2, Name: "Auto"},
		"Main.Level":  float32(0.25),
		"Main.Unused": 1,
	}}, 42)

	want := `Line\ 1 run\ state=true,count=-4,a\=b\,c=7,label="say \"hi\" \\o/",mode=2,mode_name="Auto",level=0.25 42` + "\n"
	assert.Equal(t, want, string(got))
}

func TestEncode_SkipsUnmappedAndDisabled(t *testing.T) {
	enc := NewEncoder(map[string]Config{
		"PLC1": {
			Measurement: "m",
			Tags: []Tag{
				{Field: "off", Tag: "Main.Off", Disabled: true},
				{Field: "gone", Tag: "Main.Gone", Status: StatusRemove},
			},
		},
	})

	// no fields -> no record; unknown controller -> no record
	got := enc.Encode(sink.Batch{
		"PLC1": {"Main.Off": 1, "Main.Gone": 2, "Main.Other": 3},
		"PLC9": {"Main.X": 1},
	}, 1)
	assert.Empty(t, got)
	assert.False(t, enc.HasField("PLC1", "Main.Off"))
}

func TestEncode_OneRecordPerController(t *testing.T) {
	enc := NewEncoder(map[string]Config{
		"A": {Measurement: "a", Tags: []Tag{{Field: "x", Tag: "X"}}},
		"B": {Measurement: "b", Tags: []Tag{{Field: "y", Tag: "Y"}}},
	})

	got := enc.Encode(sink.Batch{"B": {"Y": 2}, "A": {"X": 1}}, 5)
	assert.Equal(t, "a x=1 5\nb y=2 5\n", string(got))
}
