package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstance_Address(t *testing.T) {
	assert.Equal(t, "1.2.3.4", Instance{PublicIP: "1.2.3.4", PrivateIP: "10.0.0.1"}.Address())
	assert.Equal(t, "10.0.0.1", Instance{PrivateIP: "10.0.0.1"}.Address())
	assert.Equal(t, "", Instance{}.Address())
}

func TestValidImageType(t *testing.T) {
	assert.True(t, ValidImageType(ImagePublic))
	assert.True(t, ValidImageType(ImageMarket))
	assert.False(t, ValidImageType("public"))
	assert.False(t, ValidImageType(""))
}
