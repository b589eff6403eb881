// Package params defines the runtime configuration of the proxy process and
// validates it before any service starts.
package params

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// MaxBlobSize is the hard upper bound for one blob payload (4096 field
// elements of 32 bytes).
const MaxBlobSize = 131072

// SignerBackend selects the key backend at startup.
type SignerBackend string

const (
	// LocalSigner signs with an in-memory raw private key.
	LocalSigner SignerBackend = "raw"
	// KMSSigner signs through AWS KMS.
	KMSSigner SignerBackend = "kms"
)

// BreakerConfig holds the tunables of one circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
	MinimumRequests  int
	SuccessThreshold int
}

// DefaultBreakerConfig returns the tunables shared by the three named
// breakers unless overridden.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
		MinimumRequests:  3,
		SuccessThreshold: 2,
	}
}

// Config is the validated runtime configuration assembled from CLI flags and
// their environment variable bindings.
type Config struct {
	Host           string
	Port           int
	MonitoringHost string
	MonitoringPort int

	RPCURL         string
	ChainID        uint64
	EscrowContract common.Address

	SignerBackend SignerBackend
	PrivateKeyHex string
	KMSKeyID      string

	ProxyFeePercent int
	MaxBlobSize     int
	JobTimeout      time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	HTTPProxyCount    int

	RequestSigningSecret string
	KZGTrustedSetupPath  string

	RedisURL string

	LockLeaseTTL    time.Duration
	CacheResultTTL  time.Duration
	QueueEntryTTL   time.Duration
	QueueMaxRetries int
	QueueDrainEvery time.Duration

	MaxFeePerGasGwei uint64

	CORSOrigins []string
	LogLevel    string
	Version     string

	Breaker BreakerConfig
}

// HTTPAddr is the public API listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MonitoringAddr is the prometheus/pprof listen address.
func (c *Config) MonitoringAddr() string {
	return net.JoinHostPort(c.MonitoringHost, strconv.Itoa(c.MonitoringPort))
}

// DefaultConfig returns a config populated with the documented defaults;
// required options are left empty and rejected by Validate.
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              3000,
		MonitoringHost:    "127.0.0.1",
		MonitoringPort:    8080,
		ChainID:           1,
		SignerBackend:     LocalSigner,
		ProxyFeePercent:   0,
		MaxBlobSize:       MaxBlobSize,
		JobTimeout:        300 * time.Second,
		RateLimitRequests: 10,
		RateLimitWindow:   60 * time.Second,
		RedisURL:          "redis://localhost:6379",
		LockLeaseTTL:      60 * time.Second,
		CacheResultTTL:    24 * time.Hour,
		QueueEntryTTL:     24 * time.Hour,
		QueueMaxRetries:   10,
		QueueDrainEvery:   30 * time.Second,
		MaxFeePerGasGwei:  500,
		CORSOrigins:       []string{"*"},
		LogLevel:          "info",
		Breaker:           DefaultBreakerConfig(),
	}
}

// Validate checks required options and documented ranges. A failed
// validation is a fatal startup error (exit code 1).
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	if c.EscrowContract == (common.Address{}) {
		return errors.New("ESCROW_CONTRACT is required")
	}
	if len(c.RequestSigningSecret) < 32 {
		return errors.New("REQUEST_SIGNING_SECRET is required and must be at least 32 characters")
	}
	if c.ProxyFeePercent < 0 || c.ProxyFeePercent > 10 {
		return errors.Errorf("PROXY_FEE_PERCENT must be within 0..10, got %d", c.ProxyFeePercent)
	}
	if c.MaxBlobSize < 1 || c.MaxBlobSize > MaxBlobSize {
		return errors.Errorf("MAX_BLOB_SIZE must be within 1..%d, got %d", MaxBlobSize, c.MaxBlobSize)
	}
	if c.RateLimitRequests < 1 {
		return errors.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}
	if c.HTTPProxyCount < 0 {
		return errors.Errorf("HTTP_PROXY_COUNT must not be negative, got %d", c.HTTPProxyCount)
	}
	switch c.SignerBackend {
	case LocalSigner:
		if c.PrivateKeyHex == "" {
			return errors.New("PRIVATE_KEY is required for the raw signer backend")
		}
	case KMSSigner:
		if c.KMSKeyID == "" {
			return errors.New("KMS_KEY_ID is required for the kms signer backend")
		}
	default:
		return errors.Errorf("unknown signer backend %q", c.SignerBackend)
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return errors.Errorf("REDIS_URL must be a redis:// URL, got %q", c.RedisURL)
	}
	return nil
}
