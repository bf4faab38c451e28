package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{name: "nil stays nil", input: nil, want: nil},
		{name: "empty stays empty", input: []string{}, want: []string{}},
		{name: "trims and keeps first occurrence", input: []string{" cert2", "cert1 ", "cert2"}, want: []string{"cert2", "cert1"}},
		{name: "only blanks", input: []string{"", "  ", "\t"}, want: []string{}},
		{name: "case sensitive", input: []string{"Cert", "cert"}, want: []string{"Cert", "cert"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupeAndTrim(tt.input))
		})
	}
}
