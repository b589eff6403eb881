// Package flags defines the command-line and environment options of the
// blob proxy and maps them onto the runtime configuration.
package flags

import (
	"strings"
	"time"

	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var (
	// HTTPHostFlag defines the listen host of the public API.
	HTTPHostFlag = &cli.StringFlag{
		Name:    "http-host",
		Usage:   "Host on which the public API listens",
		Value:   "0.0.0.0",
		EnvVars: []string{"HOST"},
	}
	// HTTPPortFlag defines the listen port of the public API.
	HTTPPortFlag = &cli.IntFlag{
		Name:    "http-port",
		Usage:   "Port on which the public API listens",
		Value:   3000,
		EnvVars: []string{"PORT"},
	}
	// MonitoringHostFlag defines the host of the prometheus endpoint.
	MonitoringHostFlag = &cli.StringFlag{
		Name:    "monitoring-host",
		Usage:   "Host on which the /metrics endpoint listens",
		Value:   "127.0.0.1",
		EnvVars: []string{"MONITORING_HOST"},
	}
	// MonitoringPortFlag defines the port of the prometheus endpoint.
	MonitoringPortFlag = &cli.IntFlag{
		Name:    "monitoring-port",
		Usage:   "Port on which the /metrics endpoint listens",
		Value:   8080,
		EnvVars: []string{"MONITORING_PORT"},
	}
	// RPCURLFlag points at the execution layer JSON-RPC endpoint.
	RPCURLFlag = &cli.StringFlag{
		Name:     "rpc-url",
		Usage:    "Execution layer JSON-RPC endpoint",
		EnvVars:  []string{"RPC_URL"},
		Required: true,
	}
	// ChainIDFlag defines the expected execution chain id.
	ChainIDFlag = &cli.Uint64Flag{
		Name:    "chain-id",
		Usage:   "Expected execution chain id",
		Value:   1,
		EnvVars: []string{"CHAIN_ID"},
	}
	// EscrowContractFlag is the address of the escrow contract.
	EscrowContractFlag = &cli.StringFlag{
		Name:     "escrow-contract",
		Usage:    "Address of the escrow contract",
		EnvVars:  []string{"ESCROW_CONTRACT"},
		Required: true,
	}
	// SignerBackendFlag selects the transaction signing backend.
	SignerBackendFlag = &cli.StringFlag{
		Name:    "signer-backend",
		Usage:   "Signing backend, one of: raw, kms",
		Value:   string(params.LocalSigner),
		EnvVars: []string{"SIGNER_BACKEND"},
	}
	// PrivateKeyFlag is the hex private key for the raw backend.
	PrivateKeyFlag = &cli.StringFlag{
		Name:    "private-key",
		Usage:   "Hex-encoded private key (raw signer backend only)",
		EnvVars: []string{"PRIVATE_KEY"},
	}
	// KMSKeyIDFlag is the AWS KMS key id for the kms backend.
	KMSKeyIDFlag = &cli.StringFlag{
		Name:    "kms-key-id",
		Usage:   "AWS KMS key id (kms signer backend only)",
		EnvVars: []string{"KMS_KEY_ID"},
	}
	// ProxyFeePercentFlag is the fee charged on top of the blob cost estimate.
	ProxyFeePercentFlag = &cli.IntFlag{
		Name:    "proxy-fee-percent",
		Usage:   "Fee percent added to the blob cost estimate when checking deposits (0..10)",
		Value:   0,
		EnvVars: []string{"PROXY_FEE_PERCENT"},
	}
	// MaxBlobSizeFlag bounds accepted payload sizes.
	MaxBlobSizeFlag = &cli.IntFlag{
		Name:    "max-blob-size",
		Usage:   "Maximum accepted payload size in bytes",
		Value:   params.MaxBlobSize,
		EnvVars: []string{"MAX_BLOB_SIZE"},
	}
	// RateLimitRequestsFlag is the per-IP request budget.
	RateLimitRequestsFlag = &cli.IntFlag{
		Name:    "rate-limit-requests",
		Usage:   "Requests allowed per client IP per window",
		Value:   10,
		EnvVars: []string{"RATE_LIMIT_REQUESTS"},
	}
	// RateLimitWindowFlag is the rate limit window in seconds.
	RateLimitWindowFlag = &cli.IntFlag{
		Name:    "rate-limit-window",
		Usage:   "Rate limit window in seconds",
		Value:   60,
		EnvVars: []string{"RATE_LIMIT_WINDOW"},
	}
	// JobTimeoutFlag bounds receipt waits, in seconds.
	JobTimeoutFlag = &cli.IntFlag{
		Name:    "job-timeout",
		Usage:   "Seconds to wait for transaction inclusion before giving up",
		Value:   300,
		EnvVars: []string{"JOB_TIMEOUT"},
	}
	// RequestSigningSecretFlag is the shared HMAC secret.
	RequestSigningSecretFlag = &cli.StringFlag{
		Name:     "request-signing-secret",
		Usage:    "Shared secret for request HMAC verification (at least 32 characters)",
		EnvVars:  []string{"REQUEST_SIGNING_SECRET"},
		Required: true,
	}
	// KZGTrustedSetupPathFlag points at the KZG trusted setup file.
	KZGTrustedSetupPathFlag = &cli.StringFlag{
		Name:    "kzg-trusted-setup-path",
		Usage:   "Path to the KZG trusted setup file",
		EnvVars: []string{"KZG_TRUSTED_SETUP_PATH"},
	}
	// RedisURLFlag points at the shared Redis store.
	RedisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis connection URL for the job cache and completion queue",
		Value:   "redis://localhost:6379",
		EnvVars: []string{"REDIS_URL"},
	}
	// HTTPProxyCountFlag is the number of trusted reverse-proxy hops.
	HTTPProxyCountFlag = &cli.IntFlag{
		Name:    "http-proxy-count",
		Usage:   "Number of trusted reverse-proxy hops in front of this process",
		Value:   0,
		EnvVars: []string{"HTTP_PROXY_COUNT"},
	}
	// LogLevelFlag sets the logging verbosity.
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
	// CORSOriginFlag is the comma-separated allowed origin list.
	CORSOriginFlag = &cli.StringFlag{
		Name:    "cors-origin",
		Usage:   "Comma-separated list of allowed CORS origins",
		Value:   "*",
		EnvVars: []string{"CORS_ORIGIN"},
	}
	// LogFormatFlag selects the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format, one of: text, fluentd, json",
		Value: "text",
	}
	// LogFileFlag mirrors logs to a file when set.
	LogFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to the given file as well as stdout",
	}
	// ConfigFileFlag loads flag values from a YAML file.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Load flag values from this YAML file",
	}
	// EnableTracingFlag turns on opencensus trace export.
	EnableTracingFlag = &cli.BoolFlag{
		Name:  "enable-tracing",
		Usage: "Enable request tracing export",
	}
	// TracingEndpointFlag is the Jaeger collector endpoint.
	TracingEndpointFlag = &cli.StringFlag{
		Name:  "tracing-endpoint",
		Usage: "Tracing endpoint defines where the proxy sends spans",
		Value: "http://127.0.0.1:14268/api/traces",
	}
	// TraceSampleFractionFlag sets the sampling probability.
	TraceSampleFractionFlag = &cli.Float64Flag{
		Name:  "trace-sample-fraction",
		Usage: "Fraction of requests to sample for tracing",
		Value: 0.2,
	}
)

// Flags is the set of options the proxy binary accepts.
var Flags = []cli.Flag{
	HTTPHostFlag,
	HTTPPortFlag,
	MonitoringHostFlag,
	MonitoringPortFlag,
	RPCURLFlag,
	ChainIDFlag,
	EscrowContractFlag,
	SignerBackendFlag,
	PrivateKeyFlag,
	KMSKeyIDFlag,
	ProxyFeePercentFlag,
	MaxBlobSizeFlag,
	RateLimitRequestsFlag,
	RateLimitWindowFlag,
	JobTimeoutFlag,
	RequestSigningSecretFlag,
	KZGTrustedSetupPathFlag,
	RedisURLFlag,
	HTTPProxyCountFlag,
	LogLevelFlag,
	CORSOriginFlag,
	LogFormatFlag,
	LogFileFlag,
	ConfigFileFlag,
	EnableTracingFlag,
	TracingEndpointFlag,
	TraceSampleFractionFlag,
}

// BuildConfig maps the parsed flags onto a validated runtime configuration.
func BuildConfig(cliCtx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig()
	cfg.Host = cliCtx.String(HTTPHostFlag.Name)
	cfg.Port = cliCtx.Int(HTTPPortFlag.Name)
	cfg.MonitoringHost = cliCtx.String(MonitoringHostFlag.Name)
	cfg.MonitoringPort = cliCtx.Int(MonitoringPortFlag.Name)
	cfg.RPCURL = cliCtx.String(RPCURLFlag.Name)
	cfg.ChainID = cliCtx.Uint64(ChainIDFlag.Name)
	escrow := cliCtx.String(EscrowContractFlag.Name)
	if !common.IsHexAddress(escrow) {
		return nil, errors.Errorf("ESCROW_CONTRACT is not a valid address: %s", escrow)
	}
	cfg.EscrowContract = common.HexToAddress(escrow)
	cfg.SignerBackend = params.SignerBackend(cliCtx.String(SignerBackendFlag.Name))
	cfg.PrivateKeyHex = cliCtx.String(PrivateKeyFlag.Name)
	cfg.KMSKeyID = cliCtx.String(KMSKeyIDFlag.Name)
	cfg.ProxyFeePercent = cliCtx.Int(ProxyFeePercentFlag.Name)
	cfg.MaxBlobSize = cliCtx.Int(MaxBlobSizeFlag.Name)
	cfg.RateLimitRequests = cliCtx.Int(RateLimitRequestsFlag.Name)
	cfg.RateLimitWindow = time.Duration(cliCtx.Int(RateLimitWindowFlag.Name)) * time.Second
	cfg.JobTimeout = time.Duration(cliCtx.Int(JobTimeoutFlag.Name)) * time.Second
	cfg.RequestSigningSecret = cliCtx.String(RequestSigningSecretFlag.Name)
	cfg.KZGTrustedSetupPath = cliCtx.String(KZGTrustedSetupPathFlag.Name)
	cfg.RedisURL = cliCtx.String(RedisURLFlag.Name)
	cfg.HTTPProxyCount = cliCtx.Int(HTTPProxyCountFlag.Name)
	cfg.LogLevel = cliCtx.String(LogLevelFlag.Name)
	cfg.CORSOrigins = strings.Split(cliCtx.String(CORSOriginFlag.Name), ",")
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
