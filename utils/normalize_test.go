package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"national with area code", "11987654321", "+5511987654321"},
		{"already with country code", "5511987654321", "+5511987654321"},
		{"e164", "+5511987654321", "+5511987654321"},
		{"formatted", "+55 (11) 98765-4321", "+5511987654321"},
		{"12 digits with country code", "551187654321", "+551187654321"},
		{"10 digit landline", "1187654321", "+551187654321"},
		{"short number keeps all digits", "987654321", "+55987654321"},
		{"long junk keeps last 11", "00005511987654321", "+5511987654321"},
		{"no digits", "abc", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestNormalizePhoneVariantsAgree(t *testing.T) {
	variants := []string{"11999990000", "5511999990000", "+5511999990000"}
	for _, v := range variants {
		assert.Equal(t, "+5511999990000", NormalizePhone(v))
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercased", "John.Doe@Example.COM", "john.doe@example.com"},
		{"trimmed", "  a@b.co  ", "a@b.co"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"invalid format", "not-an-email", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEmail(tt.in))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "novo-lead", Slugify("Novo Lead"))
	assert.Equal(t, "checkout-abandonado", Slugify("  Checkout Abandonado "))
	assert.Equal(t, "fase-2", Slugify("Fase 2!"))
}
