package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000",
		NormalizeAddress("  0xABCDEF0000000000000000000000000000000000  "))
}

func TestIsValidAddress(t *testing.T) {
	valid := []string{
		"0x1111111111111111111111111111111111111111",
		"0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD",
		" 0x1111111111111111111111111111111111111111 ",
	}
	for _, addr := range valid {
		assert.True(t, IsValidAddress(addr), "address %q", addr)
	}

	invalid := []string{
		"",
		"0x",
		"0x1234",
		"1111111111111111111111111111111111111111",
		"0x11111111111111111111111111111111111111111", // 41 chars
		"0xzzzz111111111111111111111111111111111111",
	}
	for _, addr := range invalid {
		assert.False(t, IsValidAddress(addr), "address %q", addr)
	}
}
