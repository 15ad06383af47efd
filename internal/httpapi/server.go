package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quickmark/tokenledger/pkg/payment"
	"github.com/quickmark/tokenledger/pkg/tokens"
	"go.uber.org/zap"
)

// Dependencies carries the wired domain components the API serves.
type Dependencies struct {
	Logger     *zap.Logger
	Tokens     *tokens.Service
	Intents    *payment.IntentFactory
	Reconciler *payment.Reconciler
	Payments   payment.Store
	Pricing    *payment.PricingHolder
}

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if deps.Logger == nil {
		return fmt.Errorf("logger dependency is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger: deps.Logger,
		deps:   deps,
		cfg:    cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("tokenledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payment", webhookSecretMiddleware(cfg.WebhookSecret), handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.GET("/balance", handler.handleBalance)
	api.GET("/usage", handler.handleUsage)
	api.POST("/generation/check", handler.handleGenerationCheck)
	api.POST("/generation/commit", handler.handleGenerationCommit)
	api.GET("/purchases", handler.handleListPurchases)
	api.POST("/purchases", handler.handleCreatePurchase)
	api.POST("/purchases/:uid/complete", handler.handleCompletePurchase)
	api.PUT("/admin/pricing", handler.handleReplacePricing)

	return router
}

func webhookSecretMiddleware(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad webhook secret"))
			return
		}
		ctx.Next()
	}
}

type httpHandler struct {
	logger *zap.Logger
	deps   Dependencies
	cfg    Config
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
