package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// TLS configuration.
	TLS *TLSConfig `yaml:"tls,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// Auth configures JWT-based authentication.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// RateLimit configures per-client token buckets.
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Admission bounds concurrent work per endpoint class.
	Admission AdmissionConfig `yaml:"admission,omitempty"`

	// MaxBodyBytes caps request body size; larger bodies get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`

	// BodyReadTimeout bounds body reads; expiry gets 408.
	BodyReadTimeout time.Duration `yaml:"body_read_timeout,omitempty"`

	// RequestTimeout bounds a whole non-streaming request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// StreamIdleTimeout bounds the gap between SSE events.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout,omitempty"`

	// StreamRequestTimeout bounds a whole streaming request.
	StreamRequestTimeout time.Duration `yaml:"stream_request_timeout,omitempty"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// AdmissionConfig bounds concurrency and queueing per endpoint class.
// Requests beyond Concurrency wait in a queue of QueueSize for up to
// QueueTimeout, then get 429.
type AdmissionConfig struct {
	Run          AdmissionClassConfig `yaml:"run,omitempty"`
	Stream       AdmissionClassConfig `yaml:"stream,omitempty"`
	VectorRun    AdmissionClassConfig `yaml:"vector_run,omitempty"`
	VectorStream AdmissionClassConfig `yaml:"vector_stream,omitempty"`
	EmbeddingRun AdmissionClassConfig `yaml:"embedding_run,omitempty"`
}

type AdmissionClassConfig struct {
	Concurrency  int           `yaml:"concurrency,omitempty"`
	QueueSize    int           `yaml:"queue_size,omitempty"`
	QueueTimeout time.Duration `yaml:"queue_timeout,omitempty"`
}

// TLSConfig configures TLS termination.
type TLSConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// CORSConfig configures CORS.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed_methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed_headers,omitempty"`
	AllowCredentials *bool    `yaml:"allow_credentials,omitempty"`
}

// AuthConfig configures JWT validation.
type AuthConfig struct {
	// Enabled turns on bearer-token validation.
	Enabled *bool `yaml:"enabled,omitempty"`

	// JWKSURL serves the signing keys.
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// Issuer and Audience are validated when non-empty.
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// RequestsPerSecond refills the bucket; Burst is its capacity.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.BodyReadTimeout == 0 {
		c.BodyReadTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = 90 * time.Second
	}
	if c.StreamRequestTimeout == 0 {
		c.StreamRequestTimeout = 15 * time.Minute
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}

	c.Admission.Run.setDefaults(32, 64, 10*time.Second)
	c.Admission.Stream.setDefaults(16, 32, 10*time.Second)
	c.Admission.VectorRun.setDefaults(32, 64, 10*time.Second)
	c.Admission.VectorStream.setDefaults(16, 32, 10*time.Second)
	c.Admission.EmbeddingRun.setDefaults(32, 64, 10*time.Second)

	if c.RateLimit != nil {
		if c.RateLimit.RequestsPerSecond == 0 {
			c.RateLimit.RequestsPerSecond = 10
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 20
		}
	}
}

func (c *AdmissionClassConfig) setDefaults(concurrency, queueSize int, queueTimeout time.Duration) {
	if c.Concurrency == 0 {
		c.Concurrency = concurrency
	}
	if c.QueueSize == 0 {
		c.QueueSize = queueSize
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = queueTimeout
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TLS != nil && BoolValue(c.TLS.Enabled, false) {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
	}
	if c.Auth != nil && BoolValue(c.Auth.Enabled, false) && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth requires jwks_url")
	}
	if c.Admission.Run.Concurrency < 0 || c.Admission.Stream.Concurrency < 0 {
		return fmt.Errorf("admission concurrency must be non-negative")
	}
	return nil
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BoolValue dereferences an optional bool with a default.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
