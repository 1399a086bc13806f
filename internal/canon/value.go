package canon

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value shapes that can be hashed.
// There is no float and no null: both break byte-for-byte determinism.
type Value interface {
	canonValue()
}

// String is a string value.
type String string

func (String) canonValue() {}

// Raw is a string value encoded exactly as given, without NFC
// normalization. Use it for opaque content whose bytes are the fact.
type Raw string

func (Raw) canonValue() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) canonValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) canonValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) canonValue() {}

// Object maps string keys to values.
// Iterate with SortedKeys for deterministic output.
type Object map[string]Value

func (Object) canonValue() {}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// sort.Strings orders by UTF-8 bytes, which differs for astral-plane keys.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
