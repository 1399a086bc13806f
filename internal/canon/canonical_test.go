package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"plain string", "plain", `"plain"`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"plain int64", int64(1700000000000), "1700000000000"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"bool false", false, "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
		{"go map", map[string]any{"b": "x", "a": []any{1, true}}, `{"a":[1,true],"b":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Object{"y": Int(2), "x": Int(3)},
		"beta":  Int(3),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"x":3,"y":2},"beta":3,"zebra":1}`, string(result))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before 0xE000 in UTF-16 but after it in UTF-8.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalNoHTMLEscape(t *testing.T) {
	result, err := Marshal(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9
	result, err := Marshal(String("cafe\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"caf\u00e9\"", string(result))
}

func TestMarshalRawSkipsNFC(t *testing.T) {
	result, err := Marshal(Raw("cafe\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"cafe\u0301\"", string(result))

	composed, err := Marshal(Raw("caf\u00e9"))
	require.NoError(t, err)
	assert.NotEqual(t, string(result), string(composed))

	inObject, err := Marshal(Object{"caf\u00e9": Raw("<x>")})
	require.NoError(t, err)
	assert.Equal(t, "{\"caf\u00e9\":\"<x>\"}", string(inObject))
}

func TestMarshalLineSeparators(t *testing.T) {
	result, err := Marshal(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))
}

func TestMarshalEscapedBackslashBeforeU2028Text(t *testing.T) {
	// Backslash followed by the text "u2028" must stay an escaped backslash.
	result, err := Marshal(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(result))
}

func TestMarshalControlCharacters(t *testing.T) {
	result, err := Marshal(String("line\nbreak\t\"q\""))
	require.NoError(t, err)
	assert.Equal(t, `"line\nbreak\t\"q\""`, string(result))
}

func TestMarshalRejectsFloatsAndNull(t *testing.T) {
	_, err := Marshal(3.14)
	assert.Error(t, err)

	_, err = Marshal(nil)
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"a": nil})
	assert.Error(t, err)

	_, err = Marshal([]any{1.5})
	assert.Error(t, err)
}

func TestMarshalUnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.Error(t, err)
}

func TestMarshalDeterministic(t *testing.T) {
	obj := Object{"b": Int(1), "a": Array{String("x"), Bool(true)}, "c": Object{"z": Int(0)}}
	first, err := Marshal(obj)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Marshal(obj)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
