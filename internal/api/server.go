package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/talkhaven/safeguard/internal/aggregate"
	"github.com/talkhaven/safeguard/internal/alerts"
	"github.com/talkhaven/safeguard/internal/auth"
	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/events"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/notifications"
	"github.com/talkhaven/safeguard/internal/performance"
	"github.com/talkhaven/safeguard/internal/privacy"
	"github.com/talkhaven/safeguard/internal/queue"
	"github.com/talkhaven/safeguard/internal/reports"
	"github.com/talkhaven/safeguard/internal/scheduler"
	"github.com/talkhaven/safeguard/internal/store"
	"github.com/talkhaven/safeguard/internal/threshold"
)

type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	store   *store.Store
	http    *http.Server
	logger  *slog.Logger
	metrics *metrics.Collector

	authService   *auth.Service
	reviewerStore auth.ReviewerStore

	privacyGate     *privacy.Gate
	confidenceGate  *confidence.Gate
	thresholdEngine *threshold.Engine

	eventService       *events.Service
	performanceService *performance.Service
	alertService       *alerts.Service
	aggregateService   *aggregate.Service

	queue *queue.Queue

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	reportGenerator *reports.Generator

	notificationService *notifications.Service
	notificationConfig  notifications.Config
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		store:   st,
		logger:  slog.Default(),
		metrics: metrics.NewCollector(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.reviewerStore = auth.NewPostgresReviewerStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		TierOrder:          cfg.Auth.TierOrder,
	}, s.reviewerStore)

	s.notificationConfig = notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    "Safeguard Bot",
			IconEmoji:   ":shield:",
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
	}
	s.notificationService = notifications.NewService(s.notificationConfig, s.logger)

	s.privacyGate = privacy.NewGate(st, s.metrics, s.logger)
	s.privacyGate.SetNotifier(s.notificationService)

	s.confidenceGate = confidence.NewGate(
		cfg.Gates.DefaultConfidenceThreshold,
		cfg.Gates.FieldThresholds,
	)

	s.thresholdEngine = threshold.NewEngine(st, cfg.Escalation, s.metrics, s.logger)
	s.thresholdEngine.SetNotifier(s.notificationService)

	s.eventService = events.NewService(st, s.privacyGate, s.confidenceGate, s.thresholdEngine, s.metrics, s.logger)
	s.performanceService = performance.NewService(st, s.privacyGate, s.confidenceGate, s.logger)
	s.alertService = alerts.NewService(st, cfg.Auth.TierOrder, s.metrics, s.logger)

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}
	s.queue = q

	s.aggregateService = aggregate.NewService(st, q, cfg.Aggregation, s.metrics, s.logger)

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)
	s.registerJobHandlers()

	s.reportGenerator = reports.NewGenerator(reports.NewStoreProvider(st))

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerJobHandlers() {
	handlers := &scheduler.DefaultHandlers{
		RollupFunc: s.runMonthlyRollup,
		PurgeFunc: func(ctx context.Context) error {
			purged, err := s.store.PurgePrivateConversationRecords(ctx)
			if err != nil {
				return err
			}
			if purged > 0 {
				s.logger.Info("purged records for retroactively private conversations", "rows", purged)
			}
			return nil
		},
		DigestFunc: func(ctx context.Context, jobConfig map[string]string) error {
			period := jobConfig["period"]
			if period == "" {
				period = "daily"
			}
			return s.sendAccessLogDigest(ctx, period)
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			cleaned, err := s.queue.CleanupStaleJobs(ctx, olderThan)
			if err != nil {
				return err
			}
			if cleaned > 0 {
				s.logger.Info("requeued stale jobs", "count", cleaned)
			}
			return nil
		},
	}
	handlers.Register(s.scheduler)
}

func (s *Server) runMonthlyRollup(ctx context.Context, ref time.Time) error {
	start := time.Now()

	if err := s.aggregateService.RunMonth(ctx, ref); err != nil {
		if nerr := s.notificationService.NotifyRollupFailed(ctx, ref, err); nerr != nil {
			s.logger.Warn("rollup failure notification failed", "error", nerr)
		}
		return err
	}

	month := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, rolled, err := s.store.ListEngagementSummaries(ctx, store.ListSummaryFilters{Month: &month, Limit: 1})
	if err != nil {
		s.logger.Warn("failed to count rolled personas", "error", err)
	}
	_, flagged, err := s.store.ListEngagementSummaries(ctx, store.ListSummaryFilters{Month: &month, FlaggedOnly: true, Limit: 1})
	if err != nil {
		s.logger.Warn("failed to count flagged personas", "error", err)
	}

	stats := notifications.RollupStats{
		Month:           month,
		PersonasRolled:  rolled,
		FlaggedPersonas: flagged,
		Duration:        time.Since(start),
	}
	if err := s.notificationService.NotifyRollupComplete(ctx, stats); err != nil {
		s.logger.Warn("rollup completion notification failed", "error", err)
	}
	return nil
}

func (s *Server) sendAccessLogDigest(ctx context.Context, period string) error {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -1)
	if period == "weekly" {
		from = to.AddDate(0, 0, -7)
	}

	entries, err := s.store.ListAccessLogRange(ctx, from, to)
	if err != nil {
		return err
	}

	stats := notifications.DigestStats{Period: period}
	for _, e := range entries {
		if !e.Granted {
			stats.AccessDenials++
			continue
		}
		switch e.Action {
		case "view_detail":
			stats.AlertsViewed++
		case "acknowledge":
			stats.AlertsAcked++
		case "resolve", "dismiss":
			stats.AlertsClosed++
		case "export":
			stats.Exports++
		}
	}

	return s.notificationService.NotifyAccessDigest(ctx, stats)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	s.router.Method("GET", "/metrics", s.metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentReviewer)

			r.Group(func(r chi.Router) {
				r.Use(s.authService.RequireTier("superadmin"))
				r.Get("/reviewers", s.listReviewers)
				r.Post("/reviewers", s.createReviewer)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", s.registerConversation)
				r.Post("/{conversationID}/privacy", s.markConversationPrivate)
			})

			r.Route("/events", func(r chi.Router) {
				r.Post("/", s.recordEvent)
				r.Post("/enqueue", s.enqueueEvent)
				r.Get("/", s.listEvents)
				r.Get("/{eventID}", s.getEvent)
			})

			r.Route("/performance", func(r chi.Router) {
				r.Post("/", s.recordPerformance)
				r.Post("/enqueue", s.enqueuePerformance)
				r.Get("/personas/{personaID}", s.getPersonaPerformance)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.listAlerts)
				r.Get("/{alertID}", s.getAlert)
				r.Post("/{alertID}/acknowledge", s.acknowledgeAlert)
				r.Post("/{alertID}/review", s.reviewAlert)
				r.Post("/{alertID}/resolve", s.resolveAlert)
				r.Post("/{alertID}/dismiss", s.dismissAlert)
				r.Post("/{alertID}/escalate", s.escalateAlert)
				r.Get("/{alertID}/access-log", s.getAlertAccessLog)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.authService.RequireTier("counselor"))
				r.Get("/access-log/export", s.exportAccessLog)
			})

			r.Route("/summaries", func(r chi.Router) {
				r.Get("/", s.listSummaries)
				r.Get("/{personaID}/{month}", s.getSummary)
				r.With(s.authService.RequireTier("counselor")).Post("/recompute", s.recomputeSummaries)
			})

			r.Route("/thresholds", func(r chi.Router) {
				r.Get("/", s.listThresholds)
				r.Group(func(r chi.Router) {
					r.Use(s.authService.RequireTier("superadmin"))
					r.Post("/", s.createThreshold)
					r.Put("/{thresholdID}", s.updateThreshold)
					r.Delete("/{thresholdID}", s.deleteThreshold)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Use(s.authService.RequireTier("superadmin"))
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/executions", s.listExecutionsByType)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Use(s.authService.RequireTier("counselor"))
				r.Get("/types", s.getReportTypes)
				r.Post("/generate", s.generateReport)
				r.Get("/stream", s.streamCSVReport)
			})

			r.Get("/queue/stats", s.getQueueStats)
			r.Get("/queue/jobs/{jobID}", s.getQueueJobProgress)

			r.Route("/notifications", func(r chi.Router) {
				r.Use(s.authService.RequireTier("superadmin"))
				r.Get("/settings", s.getNotificationSettings)
				r.Put("/settings", s.updateNotificationSettings)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := scheduler.EnsureDefaultJobs(ctx, s.schedulerStore, s.cfg.Aggregation.Schedule); err != nil {
		s.logger.Error("failed to seed default jobs", "error", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
