package config

// TransportType defines how to reach a managed provider server.
type TransportType string

const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// IsValid checks if the transport type is a known value.
func (t TransportType) IsValid() bool {
	switch t {
	case TransportTypeStdio, TransportTypeHTTP, TransportTypeSSE:
		return true
	}
	return false
}

// Environment selects the runtime profile. Production switches logging to
// JSON output.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// IsValid checks if the environment is a known value.
func (e Environment) IsValid() bool {
	return e == EnvironmentDevelopment || e == EnvironmentProduction
}
