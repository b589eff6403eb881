// Package node wires the proxy's services together: chain clients, signer,
// escrow verifier, blob executor, Redis-backed cache and completion queue,
// and the public HTTP API. It handles the lifecycle of the entire system and
// registers services to a service registry.
package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blobkit/blobproxy/io/logs"
	"github.com/blobkit/blobproxy/monitoring/prometheus"
	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/cache"
	"github.com/blobkit/blobproxy/proxy/executor"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/queue"
	"github.com/blobkit/blobproxy/proxy/server"
	"github.com/blobkit/blobproxy/proxy/signer"
	"github.com/blobkit/blobproxy/proxy/verifier"
	"github.com/blobkit/blobproxy/runtime"
	"github.com/blobkit/blobproxy/runtime/version"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "node")

// ProxyNode holds the full service graph of one proxy process.
type ProxyNode struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      *params.Config
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{}

	eth   *ethclient.Client
	redis redis.UniversalClient
}

// New builds the proxy node: it probes every external dependency and
// registers all services. Any failure here is a fatal startup error.
func New(ctx context.Context, cfg *params.Config) (*ProxyNode, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &ProxyNode{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}
	cfg.Version = version.GetSemanticVersion()

	if err := n.probeKZGSetup(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.dialChain(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := n.dialRedis(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerServices(ctx); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

// probeKZGSetup checks the configured trusted setup file exists. An empty
// path means the library's embedded setup is used.
func (n *ProxyNode) probeKZGSetup() error {
	if n.cfg.KZGTrustedSetupPath == "" {
		return nil
	}
	if _, err := os.Stat(n.cfg.KZGTrustedSetupPath); err != nil {
		return errors.Wrapf(err, "KZG trusted setup not readable at %s", n.cfg.KZGTrustedSetupPath)
	}
	return nil
}

// dialChain connects the execution RPC and verifies the chain id matches the
// configuration.
func (n *ProxyNode) dialChain(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, n.cfg.RPCURL)
	if err != nil {
		return errors.Wrapf(err, "could not dial execution RPC at %s", logs.MaskCredentialsLogging(n.cfg.RPCURL))
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read chain id from execution RPC")
	}
	if chainID.Uint64() != n.cfg.ChainID {
		return errors.Errorf("execution RPC serves chain %d, configured for %d", chainID.Uint64(), n.cfg.ChainID)
	}
	log.WithFields(logrus.Fields{
		"endpoint": logs.MaskCredentialsLogging(n.cfg.RPCURL),
		"chainId":  chainID.Uint64(),
	}).Info("Connected to execution RPC")
	n.eth = client
	return nil
}

func (n *ProxyNode) dialRedis(ctx context.Context) error {
	client, err := cache.Dial(ctx, n.cfg.RedisURL)
	if err != nil {
		return errors.Wrapf(err, "could not connect to Redis at %s", logs.MaskCredentialsLogging(n.cfg.RedisURL))
	}
	log.WithField("endpoint", logs.MaskCredentialsLogging(n.cfg.RedisURL)).Info("Connected to Redis")
	n.redis = client
	return nil
}

func (n *ProxyNode) registerServices(ctx context.Context) error {
	txSigner, err := signer.New(ctx, n.cfg)
	if err != nil {
		return errors.Wrap(err, "could not initialize transaction signer")
	}
	log.WithFields(logrus.Fields{
		"address": txSigner.Address().Hex(),
		"backend": string(n.cfg.SignerBackend),
	}).Info("Signer initialized")

	breakers := breaker.NewRegistry(n.cfg.Breaker)

	verifierSvc := verifier.New(n.eth, txSigner, breakers.Get(breaker.EscrowContract), n.cfg)
	if err := verifierSvc.ProbeEscrow(ctx); err != nil {
		return err
	}
	log.WithField("escrowContract", n.cfg.EscrowContract.Hex()).Info("Escrow contract verified")

	executorSvc := executor.New(n.eth, txSigner, breakers.Get(breaker.BlobExecutor), n.cfg)
	store := cache.New(n.redis, breakers.Get(breaker.CacheStore), n.cfg.LockLeaseTTL, n.cfg.CacheResultTTL)

	queueSvc := queue.New(ctx, n.redis, breakers.Get(breaker.CacheStore), verifierSvc, store, n.cfg)
	if err := n.services.RegisterService(queueSvc); err != nil {
		return err
	}

	apiSvc := server.New(ctx, &server.Config{
		Proxy:      n.cfg,
		Verifier:   verifierSvc,
		Executor:   executorSvc,
		Store:      store,
		Queue:      queueSvc,
		Chain:      n.eth,
		Breakers:   breakers,
		SignerAddr: txSigner.Address(),
	})
	if err := n.services.RegisterService(apiSvc); err != nil {
		return err
	}

	logrus.AddHook(prometheus.NewLogrusCollector())
	return n.services.RegisterService(prometheus.NewService(n.cfg.MonitoringAddr(), n.services))
}

// Start kicks off every registered service and blocks until shutdown
// completes. The returned exit code follows the documented convention:
// 0 for a clean shutdown, 2 when a second signal aborts the drain.
func (n *ProxyNode) Start() int {
	n.lock.Lock()
	n.services.StartAll()
	n.lock.Unlock()

	aborted := make(chan struct{})
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		<-sigc
		log.Warn("Got second interrupt, aborting shutdown")
		close(aborted)
	}()

	select {
	case <-n.stop:
		return 0
	case <-aborted:
		return 2
	}
}

// Close handles graceful shutdown of the system.
func (n *ProxyNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping blob proxy")
	n.services.StopAll()
	if err := n.redis.Close(); err != nil {
		log.WithError(err).Error("Could not close Redis client")
	}
	n.eth.Close()
	n.cancel()
	close(n.stop)
}
