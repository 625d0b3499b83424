package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation/alerting"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/engine"
	"github.com/unicon-campus/unimod/moderation/filestore"
	"github.com/unicon-campus/unimod/moderation/hashes"
	"github.com/unicon-campus/unimod/moderation/intake"
	"github.com/unicon-campus/unimod/moderation/review"
	"github.com/unicon-campus/unimod/moderation/visual"
	"github.com/unicon-campus/unimod/pkg/metrics"
)

type Server struct {
	echo     *echo.Echo
	httpd    *http.Server
	logger   *slog.Logger
	cases    *casestore.Store
	orch     *engine.Orchestrator
	workflow *review.Workflow
	monitor  *alerting.Monitor

	jwtSecret []byte
}

type Config struct {
	Logger        *slog.Logger
	Bind          string
	MetricsListen string
	UploadDir     string
	JWTSecret     string
	BodyLimit     string

	MaxImageBytes int64
	MaxVideoBytes int64
	ExtraTerms    []string

	Engine     engine.Config
	Aggregator visual.AggregatorConfig
	Alerting   alerting.Policy

	HiveToken        string
	GoogleVisionKey  string
	HuggingFaceKey   string
	HuggingFaceModel string
	AWSRegion        string
	AWSAccessKeyID   string
	AWSSecretKey     string

	RedisURL   string
	HashesFile string
	CacheTTL   time.Duration
	CacheSize  int

	SlackWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	AlertEmails     []string

	// HTTP metrics are registered here; nil means the default registry
	MetricsRegisterer prometheus.Registerer
}

// deps are the collaborators NewServer builds from Config. Tests construct
// them directly.
type deps struct {
	cases    *casestore.Store
	orch     *engine.Orchestrator
	monitor  *alerting.Monitor
	workflow *review.Workflow
}

func NewServer(ctx context.Context, db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secret, err := mustSecret(config.JWTSecret)
	if err != nil {
		return nil, err
	}

	cases := casestore.NewStore(db)
	if err := cases.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating case store: %w", err)
	}

	files, err := filestore.NewDiskStore(config.UploadDir)
	if err != nil {
		return nil, err
	}

	text := intake.NewTextValidator()
	if len(config.ExtraTerms) > 0 {
		if err := text.Extend(config.ExtraTerms); err != nil {
			return nil, fmt.Errorf("loading extra blocklist terms: %w", err)
		}
	}

	registry, err := openRegistry(config.RedisURL, config.HashesFile)
	if err != nil {
		return nil, err
	}

	providers, err := buildProviders(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	agg := visual.NewAggregator(providers, config.Aggregator, logger)
	if config.RedisURL != "" {
		rc, err := visual.NewRedisCache(config.RedisURL, config.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis analysis cache: %v", err)
		}
		agg.Cache = rc
	} else {
		size := config.CacheSize
		if size <= 0 {
			size = 10_000
		}
		agg.Cache = visual.NewMemCache(size, config.CacheTTL)
	}

	risk := engine.NewRiskEngine(
		intake.NewFileValidator(config.MaxImageBytes, config.MaxVideoBytes),
		text,
		hashes.NewChecker(registry, logger),
		files,
		logger,
	)
	orch := engine.NewOrchestrator(risk, agg, cases, files, config.Engine, logger)
	workflow := review.NewWorkflow(cases, files, text, logger)

	monitor := alerting.NewMonitor(cases, alertChannels(config, logger), config.Alerting, logger)

	return newServer(config, secret, logger, deps{
		cases:    cases,
		orch:     orch,
		monitor:  monitor,
		workflow: workflow,
	}), nil
}

// alertChannels always includes the log channel; slack and email are added
// when configured.
func alertChannels(config Config, logger *slog.Logger) []alerting.Channel {
	channels := []alerting.Channel{&alerting.LogChannel{Logger: logger}}
	if config.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(config.SlackWebhookURL))
	}
	if config.SMTPHost != "" && len(config.AlertEmails) > 0 {
		channels = append(channels, alerting.NewEmailChannel(config.SMTPHost, config.SMTPPort, config.SMTPUsername, config.SMTPPassword, config.SMTPFrom, config.AlertEmails))
	}
	return channels
}

func openRegistry(redisURL, hashesFile string) (hashes.Registry, error) {
	if redisURL != "" {
		reg, err := hashes.NewRedisRegistry(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis hash registry: %v", err)
		}
		return reg, nil
	}
	reg := hashes.NewMemRegistry()
	if hashesFile != "" {
		err := reg.LoadFromFileJSON(hashesFile)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("known-bad hash file not found, starting with an empty registry", "path", hashesFile)
		} else if err != nil {
			return nil, fmt.Errorf("loading known-bad hashes: %w", err)
		}
	}
	return reg, nil
}

// buildProviders enables each external classifier whose credentials are set.
// With none configured the aggregator answers from the local heuristic.
func buildProviders(ctx context.Context, config Config, logger *slog.Logger) ([]visual.ClassifierProvider, error) {
	var providers []visual.ClassifierProvider
	if config.HiveToken != "" {
		providers = append(providers, visual.NewHiveProvider(config.HiveToken))
	}
	if config.GoogleVisionKey != "" {
		providers = append(providers, visual.NewGoogleVisionProvider(config.GoogleVisionKey))
	}
	if config.HuggingFaceKey != "" {
		providers = append(providers, visual.NewHuggingFaceProvider(config.HuggingFaceKey, config.HuggingFaceModel))
	}
	if config.AWSRegion != "" && config.AWSAccessKeyID != "" {
		p, err := visual.NewRekognitionProvider(ctx, config.AWSRegion, config.AWSAccessKeyID, config.AWSSecretKey)
		if err != nil {
			return nil, fmt.Errorf("configuring rekognition: %w", err)
		}
		providers = append(providers, p)
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info("classifier providers configured", "providers", names)
	return providers, nil
}

func newServer(config Config, secret []byte, logger *slog.Logger, d deps) *Server {
	e := echo.New()

	var (
		httpTimeout        = 2 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:      e,
		logger:    logger,
		cases:     d.cases,
		orch:      d.orch,
		workflow:  d.workflow,
		monitor:   d.monitor,
		jwtSecret: secret,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	bodyLimit := config.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "512M"
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "unimod",
		Registerer: config.MetricsRegisterer,
	}))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	srv.registerRoutes(e)

	return srv
}

func (srv *Server) registerRoutes(e *echo.Echo) {
	e.POST("/api/content/upload", srv.HandleUpload, srv.requireAuth)

	mod := e.Group("/api/moderation", srv.requireAuth)
	mod.GET("/pending", srv.HandlePending, requireAdmin)
	mod.POST("/review/:caseId", srv.HandleReview, requireAdmin)
	mod.GET("/stats", srv.HandleStats, requireAdmin)
	mod.POST("/appeal/:caseId", srv.HandleAppeal)
	mod.POST("/appeal/:caseId/review", srv.HandleAppealReview, requireAdmin)
	mod.GET("/user/:userId", srv.HandleUserCases)

	posts := e.Group("/api/posts", srv.requireAuth)
	posts.POST("", srv.HandleSubmitPost)
	posts.GET("/pending", srv.HandlePendingPosts, requireAdmin)
	posts.POST("/review/:caseId", srv.HandlePostReview, requireAdmin)
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("unimod-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
	}
}

// Run serves the API, the metrics listener and the alert monitor until an
// exit signal arrives or one of them fails.
func (srv *Server) Run(ctx context.Context, metricsListen string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv.monitor.Start(ctx)
	defer srv.monitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.logger.Info("starting server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return metrics.RunServer(ctx, cancel, metricsListen)
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.logger.Info("received exit signal, shutting down")
		return srv.Shutdown()
	})

	err := g.Wait()
	srv.logger.Info("graceful shutdown complete")
	return err
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}
