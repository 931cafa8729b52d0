// internal/historian/store_test.go
package historian

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTripExcludingStatus(t *testing.T) {
	st, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	in := Config{
		Measurement: "Reactor",
		Name:        "PLC1",
		Tags: []Tag{
			{Field: "Temp", Tag: "Main.Temp", Status: StatusFail},
			{Field: "Run", Tag: "Main.Run", Status: StatusNew, OnChange: true},
			{Field: "Old", Tag: "Main.Old", Status: StatusSuccess, Disabled: true},
		},
	}
	require.NoError(t, st.Save("PLC1", in))

	out, ok := st.Load("PLC1")
	require.True(t, ok)
	assert.Equal(t, in.Measurement, out.Measurement)
	assert.Equal(t, in.Name, out.Name)

	strip := func(tags []Tag) []Tag {
		res := make([]Tag, len(tags))
		for i, tg := range tags {
			tg.Status = ""
			res[i] = tg
		}
		return res
	}
	assert.Equal(t, strip(in.Tags), strip(out.Tags))
}

func TestStore_MissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir, nil)
	require.NoError(t, err)

	_, ok := st.Load("PLC1")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(st.Path("PLC2"), []byte("{not json"), 0o644))
	_, ok = st.Load("PLC2")
	assert.False(t, ok)
}

func TestStore_ChangedExternally(t *testing.T) {
	st, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, st.Save("PLC1", Config{Measurement: "m"}))
	assert.False(t, st.ChangedExternally("PLC1"))

	require.NoError(t, os.WriteFile(st.Path("PLC1"), []byte(`{"measurement":"n","name":"PLC1","tags":[]}`), 0o644))
	assert.True(t, st.ChangedExternally("PLC1"))
	// same content again: already seen
	assert.False(t, st.ChangedExternally("PLC1"))
}

func TestControllerOf(t *testing.T) {
	c, ok := ControllerOf("/etc/tagbridge/logging/PLC1.json")
	assert.True(t, ok)
	assert.Equal(t, "PLC1", c)

	_, ok = ControllerOf("/etc/tagbridge/logging/.PLC1-123")
	assert.False(t, ok)
	_, ok = ControllerOf("/etc/tagbridge/logging/readme.txt")
	assert.False(t, ok)
}
