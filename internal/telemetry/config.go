package telemetry

// Config controls the broker's trace export. Spans cover packet dispatch,
// confirmations and connection failures; they leave the process through an
// OTLP gRPC exporter.
type Config struct {
	Enabled bool

	// ServiceName and ServiceVersion become the service.name and
	// service.version resource attributes.
	ServiceName    string
	ServiceVersion string

	// Endpoint is the collector address, host:port.
	Endpoint string
	Insecure bool

	// SampleRate is the fraction of dispatched packets traced, from 0 to 1.
	SampleRate float64
}

// DefaultConfig leaves tracing off and points at a collector on the local
// host, sampling every packet once enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "dittomq",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
