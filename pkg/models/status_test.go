package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnset, "unset"},
		{StatusExists, "exists"},
		{StatusSucceeded, "succeeded"},
		{StatusFailed, "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusExists, true},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusUnset, false},
		{Status("arbitrary"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsValid(), "Status(%q).IsValid()", string(tt.status))
	}
}

func TestStatus_InManifest(t *testing.T) {
	assert.True(t, StatusExists.InManifest())
	assert.True(t, StatusSucceeded.InManifest())
	assert.False(t, StatusFailed.InManifest())
	assert.False(t, StatusUnset.InManifest())
}

func TestLedgerStatus_String(t *testing.T) {
	assert.Equal(t, "unset", LedgerStatusUnset.String())
	assert.Equal(t, "not_found", LedgerStatusNotFound.String())
	assert.Equal(t, "db_error", LedgerStatusDBError.String())
	assert.Equal(t, "succeeded", FromStatus(StatusSucceeded).String())
}
