package tracker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		pw    string
		valid bool
	}{
		{"Abcdef12", true},
		{"abcdef1!", true},
		{"ABCDEF1!", true},
		{"Abc!defgh", true},
		{"Ab1!", false},
		{"abcdefgh", false},
		{"abcdefg1", false},
		{"ABCDEFG!", false},
		{"Abcdefg1 ", false},
		{"Abcdefg1" + "Abcdefg1Abcdefg1Abcdefg1", false},
		{"Aa1!Aa1!Aa1!Aa1!Aa1!Aa1!Aa1!Aa", true},
	}
	for _, tc := range tests {
		err := ValidatePassword(tc.pw)
		if tc.valid {
			assert.NoError(t, err, tc.pw)
			continue
		}
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), tc.pw)
	}
}
