package config

// ObservabilityConfig controls OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled     bool   `env:"OCTO_OTEL_ENABLED" default:"false"`
	ServiceName string `env:"OCTO_OTEL_SERVICE_NAME" default:"octoflow-scheduler"`
}
