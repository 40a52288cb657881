package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"promptgate/internal/audit"
	"promptgate/internal/boundary"
	"promptgate/internal/classifier"
	"promptgate/internal/config"
	"promptgate/internal/detect"
	"promptgate/internal/detect/injection"
	"promptgate/internal/detect/pattern"
	"promptgate/internal/detect/pii"
	"promptgate/internal/detect/secret"
	"promptgate/internal/domain"
	"promptgate/internal/dashboard"
	"promptgate/internal/evaluator"
	"promptgate/internal/pipeline"
	"promptgate/internal/policy"
	"promptgate/internal/ruledb"
	"promptgate/internal/telemetry"
	"promptgate/internal/tenantcache"
	"promptgate/internal/vectorindex"
	"promptgate/internal/websocket"
)

func main() {
	configPath := flag.String("config", "configs/promptgate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting promptgate",
		"version", "0.1.0",
		"listen", cfg.Boundary.Listen,
		"store", cfg.Store.Path,
		"evaluator_mode", cfg.Evaluator.Mode,
	)

	if dataDir := filepath.Dir(cfg.Store.Path); dataDir != "." {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
	}

	store, err := ruledb.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open rule store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("rule store close error", "error", err)
		}
	}()

	if cfg.Store.BootstrapPreset != "" {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 5*time.Second)
		channel := domain.Channel(cfg.Boundary.DefaultChannel)
		existing, err := store.GetActiveBundle(bootstrapCtx, cfg.Store.BootstrapTenant, channel)
		if err != nil {
			slog.Error("failed to check for existing policy bundle", "error", err)
			os.Exit(1)
		}
		if existing == nil {
			bundle, err := ruledb.SeedPreset(bootstrapCtx, store, cfg.Store.BootstrapTenant, channel, cfg.Store.BootstrapPreset)
			if err != nil {
				slog.Error("failed to seed bootstrap policy preset", "error", err)
				os.Exit(1)
			}
			slog.Info("seeded bootstrap policy bundle", "tenant", cfg.Store.BootstrapTenant, "preset", cfg.Store.BootstrapPreset, "bundle", bundle.ID)
		}
		bootstrapCancel()
	}

	tp, err := telemetry.NewProvider(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		tp = telemetry.NoopProvider()
	} else if tp.Enabled() {
		slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
	}

	cache := tenantcache.New(snapshotLoader(store), cfg.Cache.TTL)

	var invalidator *tenantcache.RedisInvalidator
	if cfg.Cache.Invalidation.Enabled {
		redisClient, err := tenantcache.NewRedisClient(cfg.Cache.Invalidation.Addr, cfg.Cache.Invalidation.Password, cfg.Cache.Invalidation.DB)
		if err != nil {
			slog.Error("failed to connect to Redis for cache invalidation", "error", err)
			os.Exit(1)
		}
		invalidator = tenantcache.NewRedisInvalidator(redisClient, cfg.Cache.Invalidation.Channel, cache)
		slog.Info("cache cross-replica invalidation enabled", "addr", cfg.Cache.Invalidation.Addr)
	}

	detectors := buildDetectors(cfg)

	var eval evaluator.Evaluator
	if cfg.Evaluator.Mode == "remote" {
		eval = evaluator.NewRemoteEvaluator(cfg.Evaluator.RemoteURL)
		slog.Info("policy evaluator: remote", "url", cfg.Evaluator.RemoteURL)
	} else {
		eval = evaluator.NewLocal()
		slog.Info("policy evaluator: local")
	}

	var shipper *audit.LogShipper
	if cfg.Audit.ShipperEnabled {
		shipper = audit.NewLogShipper(cfg.Audit.LogIndexURL, cfg.Audit.QueueCapacity)
		slog.Info("audit log shipper enabled", "url", cfg.Audit.LogIndexURL)
	}
	auditLogger := audit.New(store, shipper)

	orchestrator := pipeline.New(cache, detectors, eval, auditLogger)
	orchestrator.Timeouts = pipeline.DetectorTimeouts{
		Default:    50 * time.Millisecond,
		Static:     cfg.Detectors.Timeouts.Static,
		Secret:     cfg.Detectors.Timeouts.Secret,
		PII:        cfg.Detectors.Timeouts.PII,
		Injection:  cfg.Detectors.Timeouts.Injection,
		Similarity: cfg.Detectors.Timeouts.Similarity,
		ML:         cfg.Detectors.Timeouts.ML,
	}
	orchestrator.Telemetry = tp

	ladder := policy.New(policy.Config{
		Enabled:    cfg.RiskLadder.Enabled,
		Thresholds: riskThresholds(cfg.RiskLadder.Thresholds),
	})

	boundaryHandler := boundary.New(orchestrator, store, cache, eval, boundary.Config{
		DefaultChannel:   domain.Channel(cfg.Boundary.DefaultChannel),
		RequestDeadline:  cfg.Boundary.RequestDeadline,
		MaxPromptLength:  cfg.Boundary.MaxPromptLength,
		AllowedLanguages: cfg.Boundary.AllowedLanguages,
		AuthEnabled:      cfg.Boundary.Auth.Enabled,
		APIKey:           cfg.Boundary.Auth.APIKey,
		Ladder:           ladder,
	})

	rootMux := http.NewServeMux()
	if cfg.Dashboard.Enabled {
		dashboardPath := cfg.Dashboard.Path
		if dashboardPath == "" {
			dashboardPath = "/dashboard/"
		}
		rootMux.Handle(dashboardPath, http.StripPrefix(dashboardPath[:len(dashboardPath)-1], dashboard.New()))
	}
	streamHandler := websocket.New(orchestrator, domain.Channel(cfg.Boundary.DefaultChannel), cfg.Boundary.RequestDeadline)
	streamHandler.SetAuth(cfg.Boundary.Auth.Enabled, cfg.Boundary.Auth.APIKey)
	rootMux.Handle("/response/check/stream", streamHandler)
	rootMux.Handle("/", boundaryHandler)

	server := &http.Server{
		Addr:         cfg.Boundary.Listen,
		Handler:      rootMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		server.TLSConfig = tlsConfig
		slog.Info("TLS enabled for boundary server")
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("boundary server starting (HTTPS)", "addr", cfg.Boundary.Listen)
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("boundary server error: %w", err)
			}
		} else {
			slog.Info("boundary server starting (HTTP)", "addr", cfg.Boundary.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("boundary server error: %w", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("boundary server shutdown error", "error", err)
	}

	if invalidator != nil {
		if err := invalidator.Close(); err != nil {
			slog.Error("redis invalidator close error", "error", err)
		}
	}

	if shipper != nil {
		shipper.Close()
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("promptgate stopped")
}

// snapshotLoader builds a tenantcache.Loader that reads the active bundle,
// its rules, and its lists from the Rule Store and compiles static/secret/
// pii rule patterns once per load.
func snapshotLoader(store *ruledb.Store) tenantcache.Loader {
	return func(ctx context.Context, tenant string, channel domain.Channel) (*tenantcache.Snapshot, error) {
		bundle, err := store.GetActiveBundle(ctx, tenant, channel)
		if err != nil {
			return nil, err
		}
		rules, err := store.ListRules(ctx, bundle.ID)
		if err != nil {
			return nil, err
		}
		compiled, err := pattern.Compile(rules)
		if err != nil {
			return nil, err
		}
		allow, err := store.ListAllowlist(ctx, bundle.ID)
		if err != nil {
			return nil, err
		}
		block, err := store.ListBlocklist(ctx, bundle.ID)
		if err != nil {
			return nil, err
		}
		return &tenantcache.Snapshot{
			Bundle:    *bundle,
			Rules:     compiled,
			Allowlist: allow,
			Blocklist: block,
			LoadedAt:  time.Now(),
		}, nil
	}
}

// buildDetectors wires the configured detector set in the order the
// pipeline fans them out (order does not affect the result, per spec §4.G).
func buildDetectors(cfg *config.Config) []detect.Detector {
	detectors := []detect.Detector{pattern.New()}

	if cfg.Detectors.Secret.Enabled {
		detectors = append(detectors, secret.New())
	}
	if cfg.Detectors.PII.Enabled {
		detectors = append(detectors, pii.New())
	}
	var vecClient *vectorindex.Client
	if cfg.Detectors.Similarity.Enabled {
		vecClient = vectorindex.New(cfg.Detectors.Similarity.EmbedURL, cfg.Detectors.Similarity.SearchURL, cfg.Detectors.Similarity.UpsertURL)
	}

	if cfg.Detectors.Injection.Enabled {
		inj := injection.New()
		inj.HeuristicThreshold = cfg.Detectors.Injection.HeuristicThreshold
		inj.SimilarityThreshold = cfg.Detectors.Injection.SimilarityThreshold
		inj.ModelThreshold = cfg.Detectors.Injection.ModelThreshold
		if vecClient != nil {
			inj.Similarity = vecClient
		}
		if cfg.Detectors.ML.Enabled && cfg.Detectors.ML.Mode == "remote" {
			inj.Model = classifier.NewRemoteClassifier(cfg.Detectors.ML.RemoteURL)
		}
		detectors = append(detectors, inj)
	}

	if vecClient != nil {
		simDet := vectorindex.NewDetector(vecClient)
		simDet.Threshold = cfg.Detectors.Similarity.Threshold
		simDet.TopN = cfg.Detectors.Similarity.TopN
		detectors = append(detectors, simDet)
	}

	if cfg.Detectors.ML.Enabled {
		var cls classifier.Classifier
		if cfg.Detectors.ML.Mode == "remote" {
			cls = classifier.NewRemoteClassifier(cfg.Detectors.ML.RemoteURL)
		} else {
			cls = classifier.NewLocalEnsemble()
		}
		mlDet := classifier.NewDetector(cls)
		mlDet.Threshold = cfg.Detectors.ML.Threshold
		detectors = append(detectors, mlDet)
	}

	return detectors
}

// riskThresholds converts the YAML-serializable threshold list into the
// policy package's native type, skipping entries with an unrecognized
// action rather than failing startup over a config typo.
func riskThresholds(in []config.RiskThresholdYAML) []policy.Threshold {
	if len(in) == 0 {
		return nil
	}
	out := make([]policy.Threshold, 0, len(in))
	for _, t := range in {
		action := policy.LadderAction(t.Action)
		switch action {
		case policy.LadderWarn, policy.LadderThrottle, policy.LadderBlock, policy.LadderTerminate:
			out = append(out, policy.Threshold{Score: t.Score, Action: action, ThrottleRate: t.ThrottleRate})
		default:
			slog.Warn("ignoring risk_ladder threshold with unknown action", "action", t.Action)
		}
	}
	return out
}

// setupTLS configures TLS for the boundary server.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"promptgate Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "promptgate", "*.promptgate.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
