package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportTypeIsValid(t *testing.T) {
	assert.True(t, TransportTypeStdio.IsValid())
	assert.True(t, TransportTypeHTTP.IsValid())
	assert.True(t, TransportTypeSSE.IsValid())
	assert.False(t, TransportType("grpc").IsValid())
	assert.False(t, TransportType("").IsValid())
}

func TestEnvironmentIsValid(t *testing.T) {
	assert.True(t, EnvironmentDevelopment.IsValid())
	assert.True(t, EnvironmentProduction.IsValid())
	assert.False(t, Environment("staging").IsValid())
	assert.False(t, Environment("").IsValid())
}
