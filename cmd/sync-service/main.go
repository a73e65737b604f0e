package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/synchub_backend/audit"
	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/middlewares"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/providers/quickledger"
	"github.com/mmdatafocus/synchub_backend/providers/zenbooks"
	"github.com/mmdatafocus/synchub_backend/queue"
	"github.com/mmdatafocus/synchub_backend/ratelimit"
	"github.com/mmdatafocus/synchub_backend/synchub"
	"github.com/mmdatafocus/synchub_backend/utils"
	"github.com/mmdatafocus/synchub_backend/vault"
	"github.com/mmdatafocus/synchub_backend/workflow"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SYNC_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	registry := providers.NewRegistry()
	registry.Register(quickledger.New(), quickledger.OAuthFromEnv())
	registry.Register(zenbooks.New(), zenbooks.OAuthFromEnv())

	jobQueue := queue.New(hostnameWorkerId())
	credentialVault := vault.New(registry)
	limiter := ratelimit.New(ratelimit.ConfigFromConnections())
	recorder := audit.NewRecorder()
	orchestrator := workflow.NewOrchestrator(jobQueue, credentialVault, limiter, registry, recorder)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Writer.Header().Set("x-correlation-id", cid)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	synchub.RegisterRoutes(r, synchub.NewHandlers(orchestrator, jobQueue, credentialVault, registry))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{
		"port":      port,
		"worker_id": jobQueue.WorkerId(),
		"providers": registry.Providers(),
	}).Info("sync service listening")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if config.AuditStreamEnabled() {
		if client, err := config.GetClient(sigCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Error(err)
		} else if _, err := config.CreateTopicIfNotExists(client, config.AuditTopicName()); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub", "topic": config.AuditTopicName()}).Error(err)
		}
	}

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		workflow.NewRunner(orchestrator).Run(runnerCtx)
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		stopRunner()
		select {
		case <-runnerDone:
		case <-shutdownCtx.Done():
			logger.Warn("worker runner did not drain before shutdown deadline")
		}
	case err := <-serverErrCh:
		stopRunner()
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func hostnameWorkerId() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		fields := logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}
		if userId, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
			fields["user_id"] = userId
		}
		logger.WithFields(fields).Info("request")
	}
}
