package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hunter2"),
		[]byte("a very long passphrase with spaces and symbols !@#$%"),
		{0x00, 0x01, 0xFF, 0x7E},
	}

	for _, c := range cases {
		encoded := Obfuscate(c)
		decoded := Deobfuscate(encoded)
		assert.Equal(t, c, decoded)
	}
}

func TestObfuscateIsNotPlaintext(t *testing.T) {
	plain := []byte("hunter2")
	encoded := Obfuscate(plain)
	assert.NotEqual(t, plain, encoded)
}
