package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Front Door\n", "Front Door"},
		{"Tom & Jerry's", "Tom & Jerry's"},
		{"a\x00b", "ab"},
		{"Tom &amp; Jerry", "Tom &amp; Jerry"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeInput(tt.in))
	}
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<b>hi</b>"))
	assert.True(t, ContainsSuspicious("a > b"))
	assert.False(t, ContainsSuspicious("Scripture class"))
	assert.False(t, ContainsSuspicious("onload crew"))
	assert.False(t, ContainsSuspicious("Cleaning crew (Tue)"))
}
