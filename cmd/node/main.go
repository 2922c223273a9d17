package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	redisadapter "github.com/dexsniper/execution-node/adapters/redis"
	"github.com/dexsniper/execution-node/engine"
	"github.com/dexsniper/execution-node/gasopt"
	"github.com/dexsniper/execution-node/jsonrpcserver"
	"github.com/dexsniper/execution-node/mev"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/simulator"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Components read their own env variables as well, see `nodepool`, `gasopt`, `mev` and `simulator`.

	// Default values
	defaultDebug          = os.Getenv("DEBUG") == "1"
	defaultLogProd        = os.Getenv("LOG_PROD") == "1"
	defaultLogService     = os.Getenv("LOG_SERVICE")
	defaultPort           = cli.GetEnv("PORT", "8080")
	defaultMetricsPort    = cli.GetEnv("METRICS_PORT", "8088")
	defaultChains         = cli.GetEnv("CHAINS", "ethereum,base,bsc")
	defaultEndpointsFile  = cli.GetEnv("ENDPOINTS_CONFIG", "")
	defaultFeeOracles     = cli.GetEnv("FEE_ORACLE_ENDPOINTS", "")
	defaultRedisEndpoint  = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultStatsChannel   = cli.GetEnv("STATS_CHANNEL", "execution-stats")
	defaultStatsInterval  = cli.GetEnv("STATS_INTERVAL", "30s")
	defaultOracleTimeout  = cli.GetEnv("FEE_ORACLE_TIMEOUT", "3s")
	defaultSampleInterval = cli.GetEnv("NETWORK_SAMPLE_INTERVAL", "30s")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr           = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "port for metrics and pprof")
	chainsPtr         = flag.String("chains", defaultChains, "chains to serve (comma separated)")
	endpointsFilePtr  = flag.String("endpoints-config", defaultEndpointsFile, "endpoints yaml file")
	feeOraclesPtr     = flag.String("fee-oracles", defaultFeeOracles, "ethereum fee oracle endpoints (comma separated, name=url or url)")
	redisPtr          = flag.String("redis", defaultRedisEndpoint, "redis url string, stats are not published when empty")
	statsChannelPtr   = flag.String("stats-channel", defaultStatsChannel, "redis pub/sub channel for statistics snapshots")
	statsIntervalPtr  = flag.String("stats-interval", defaultStatsInterval, "statistics publish interval")
	oracleTimeoutPtr  = flag.String("fee-oracle-timeout", defaultOracleTimeout, "timeout per fee oracle request")
	sampleIntervalPtr = flag.String("network-sample-interval", defaultSampleInterval, "network conditions sampling interval")
)

func splitList(s string) []string {
	var res []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			res = append(res, strings.ToLower(item))
		}
	}
	return res
}

// oraclesFor returns the fee oracles of chain: `{CHAIN}_FEE_ORACLE_ENDPOINTS`, or the global list on ethereum.
func oraclesFor(chain string, client *http.Client) []gasopt.Oracle {
	if v := os.Getenv(strings.ToUpper(chain) + "_FEE_ORACLE_ENDPOINTS"); v != "" {
		return gasopt.ParseOracles(v, client)
	}
	if chain == "ethereum" {
		return gasopt.ParseOracles(*feeOraclesPtr, client)
	}
	return nil
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting execution-node", zap.String("version", version))

	chains := splitList(*chainsPtr)
	endpoints, err := nodepool.LoadEndpoints(chains, *endpointsFilePtr, os.Getenv)
	if err != nil {
		logger.Fatal("Failed to load endpoints", zap.Error(err))
	}
	poolConfig, err := nodepool.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load node pool config", zap.Error(err))
	}
	pool := nodepool.NewManager(logger, poolConfig, endpoints, nodepool.DialEndpoint)
	if err := pool.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize node pool", zap.Error(err))
	}

	gasConfig, err := gasopt.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load gas optimizer config", zap.Error(err))
	}
	if gasConfig.OracleTimeout, err = time.ParseDuration(*oracleTimeoutPtr); err != nil {
		logger.Fatal("Failed to parse fee oracle timeout", zap.Error(err))
	}
	if gasConfig.ConditionsInterval, err = time.ParseDuration(*sampleIntervalPtr); err != nil {
		logger.Fatal("Failed to parse network sample interval", zap.Error(err))
	}
	mevConfig, err := mev.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load protection config", zap.Error(err))
	}
	if mevConfig.SigningKey == nil {
		logger.Warn("No bundle signing key, bundle protection degrades to private pools")
	}
	simConfig, err := simulator.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load simulator config", zap.Error(err))
	}

	oracleClient := &http.Client{Timeout: gasConfig.OracleTimeout}
	backgroundWg := &sync.WaitGroup{}
	var engineChains []*engine.Chain //nolint:prealloc
	for _, chain := range pool.Chains() {
		chainID := nodepool.ChainIDs[chain]
		optimizer := gasopt.NewOptimizer(logger, pool, chain, oraclesFor(chain, oracleClient), gasConfig)
		conditionsWg := optimizer.Start(ctx)
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			conditionsWg.Wait()
		}()
		engineChains = append(engineChains, &engine.Chain{
			Name:      chain,
			ChainID:   chainID,
			Optimizer: optimizer,
			Analyzer:  mev.NewAnalyzer(logger, pool, chain, chainID, mevConfig),
			Submitter: mev.NewSubmitter(logger, pool, chain, chainID, mevConfig),
		})
		logger.Info("Chain configured", zap.String("chain", chain), zap.Uint64("chainId", chainID))
	}

	sim := simulator.New(logger, pool, simConfig)
	api := engine.NewAPI(logger, pool, sim, simConfig.NativeUSDPrice, engineChains...)

	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		statsInterval, err := time.ParseDuration(*statsIntervalPtr)
		if err != nil || statsInterval <= 0 {
			logger.Fatal("Failed to parse stats interval", zap.String("value", *statsIntervalPtr), zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		publisher := redisadapter.NewStatsPublisher(logger, redisClient, *statsChannelPtr, statsInterval, func(ctx context.Context) (any, error) {
			return api.Stats(), nil
		})
		publisherWg := publisher.Start(ctx)
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			publisherWg.Wait()
		}()
	}

	jsonRPCServer, err := jsonrpcserver.NewHandler(logger, api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	logger.Info("Serving JSON-RPC", zap.String("port", *portPtr), zap.Strings("chains", pool.Chains()))
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for background loops before closing node connections
	backgroundWg.Wait()
	pool.Shutdown()
}
