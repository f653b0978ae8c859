package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"hello world", 5, "he..."},
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"", 5, ""},
		{"abc", 2, "ab"},
		{"abc", 3, "abc"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, TruncateString(tt.input, tt.length), "TruncateString(%q, %d)", tt.input, tt.length)
	}
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, "0x7E5F...5Bdf", ShortAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"))
	assert.Equal(t, "short", ShortAddress("short"))
}

func TestAddCommas(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"123", "123"},
		{"1234", "1,234"},
		{"123456", "123,456"},
		{"1234567", "1,234,567"},
		{"1234.56", "1,234.56"},
		{"-1234", "-1,234"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, AddCommas(tt.input), "AddCommas(%q)", tt.input)
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		input    string
		places   int32
		expected string
	}{
		{"1234.5678", 2, "1,234.57"},
		{"1234.5", 2, "1,234.50"},
		{"0", 2, "0.00"},
		{"-9876543.21", 0, "-9,876,543"},
	}

	for _, tt := range tests {
		d := decimal.RequireFromString(tt.input)
		assert.Equal(t, tt.expected, FormatDecimal(d, tt.places), "FormatDecimal(%s, %d)", tt.input, tt.places)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.5", FormatAmount(decimal.RequireFromString("1.500000"), 6))
	assert.Equal(t, "12,345.123457", FormatAmount(decimal.RequireFromString("12345.1234567"), 6))
	assert.Equal(t, "0", FormatAmount(decimal.Zero, 6))
}

func TestDecimalToFloat64(t *testing.T) {
	assert.Equal(t, 2.5, DecimalToFloat64(decimal.RequireFromString("2.5")))
}
