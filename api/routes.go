// Package api provides the inbound HTTP surface of Kiro Gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kiro-gateway/auth"
	"kiro-gateway/client"
	"kiro-gateway/config"
	"kiro-gateway/converter"
	"kiro-gateway/model"
	"kiro-gateway/stream"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server wires the gateway's components behind the HTTP routes.
type Server struct {
	Cfg         *config.Config
	AuthManager *auth.Manager
	HTTPClient  *client.Client
	ModelCache  *model.Cache
	Translator  *stream.Translator
}

// NewServer builds the component graph for one gateway process.
func NewServer(cfg *config.Config, authManager *auth.Manager) *Server {
	httpClient := client.New(cfg, authManager)
	modelCache := model.NewCache(time.Duration(cfg.ModelCacheTTL)*time.Second, cfg.MaxInputTokens)

	return &Server{
		Cfg:         cfg,
		AuthManager: authManager,
		HTTPClient:  httpClient,
		ModelCache:  modelCache,
		Translator:  stream.NewTranslator(cfg, httpClient, modelCache),
	}
}

// SetupRoutes registers all routes on the engine.
func (s *Server) SetupRoutes(r *gin.Engine) {
	r.Use(CORSMiddleware())

	r.GET("/", s.RootHandler)
	r.GET("/health", s.HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(s.AuthMiddleware())
	{
		v1.GET("/models", s.ListModelsHandler)
		v1.POST("/chat/completions", s.ChatCompletionsHandler)
	}
}

// CORSMiddleware allows all origins, methods, and headers.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "*")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the proxy API key.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		apiKey := strings.TrimPrefix(header, "Bearer ")

		if header == "" || apiKey != s.Cfg.ProxyAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or missing API Key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RootHandler handles GET /.
func (s *Server) RootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": config.AppTitle,
		"version": config.AppVersion,
	})
}

// HealthHandler handles GET /health.
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   config.AppVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ListModelsHandler handles GET /v1/models. The exposed id set is the
// configured available-model list; the handler also refreshes the model-info
// cache when it has gone stale.
func (s *Server) ListModelsHandler(c *gin.Context) {
	if s.ModelCache.IsStale() {
		s.refreshModelCache(c.Request.Context())
	}

	created := time.Now().Unix()
	data := make([]converter.ModelData, 0, len(s.Cfg.AvailableModels))
	for _, id := range s.Cfg.AvailableModels {
		data = append(data, converter.ModelData{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "kiro",
		})
	}

	c.JSON(http.StatusOK, converter.ModelsResponse{Object: "list", Data: data})
}

// refreshModelCache fetches ListAvailableModels and replaces the cache.
// Failure is logged and tolerated; the configured limits remain in effect.
func (s *Server) refreshModelCache(ctx context.Context) {
	url := fmt.Sprintf("%s/ListAvailableModels?origin=AI_EDITOR", s.AuthManager.QHost())

	resp, err := s.HTTPClient.Get(ctx, url)
	if err != nil {
		log.Warnf("Model list refresh failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("Model list refresh returned %d", resp.StatusCode)
		return
	}

	var list model.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		log.Warnf("Model list decode failed: %v", err)
		return
	}
	s.ModelCache.Update(list.Models)
}

// ChatCompletionsHandler handles POST /v1/chat/completions.
func (s *Server) ChatCompletionsHandler(c *gin.Context) {
	var req converter.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		chatError(c, http.StatusUnprocessableEntity, fmt.Sprintf("Invalid request: %v", err), "invalid_request_error")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		chatError(c, http.StatusUnprocessableEntity, "model and messages are required", "invalid_request_error")
		return
	}

	payload, err := converter.BuildKiroPayload(s.Cfg, &req, s.AuthManager.ProfileArn())
	if err != nil {
		if errors.Is(err, converter.ErrEmptyRequest) {
			chatError(c, http.StatusBadRequest, "No user or assistant messages in request", "invalid_request_error")
			return
		}
		chatError(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}

	apiURL := fmt.Sprintf("%s/generateAssistantResponse", s.AuthManager.APIHost())

	if req.Stream {
		s.handleStreaming(c, apiURL, payload, req.Model)
	} else {
		s.handleNonStreaming(c, apiURL, payload, req.Model)
	}
}

func (s *Server) handleStreaming(c *gin.Context, apiURL string, payload *converter.KiroPayload, externalModel string) {
	events, err := s.Translator.Stream(c.Request.Context(), apiURL, payload, externalModel)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		chatError(c, http.StatusInternalServerError, "Streaming not supported", "internal_error")
		return
	}

	for event := range events {
		if _, err := c.Writer.WriteString(event); err != nil {
			// Client disconnected; the translator notices via the context.
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleNonStreaming(c *gin.Context, apiURL string, payload *converter.KiroPayload, externalModel string) {
	completion, err := s.Translator.Complete(c.Request.Context(), apiURL, payload, externalModel)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

// writeUpstreamError maps translator and client errors to HTTP statuses:
// retry-budget exhaustion to 502, first-token and streaming timeouts to 504,
// other upstream statuses pass through.
func writeUpstreamError(c *gin.Context, err error) {
	var upstreamErr *client.UpstreamError
	var streamErr *client.StreamFailedError
	var firstTokenErr *stream.FirstTokenTimeoutError
	var statusErr *stream.UpstreamStatusError

	switch {
	case errors.As(err, &firstTokenErr):
		chatError(c, http.StatusGatewayTimeout, firstTokenErr.Error(), "timeout_error")
	case errors.As(err, &streamErr):
		chatError(c, http.StatusGatewayTimeout, streamErr.Error(), "timeout_error")
	case errors.As(err, &upstreamErr):
		chatError(c, http.StatusBadGateway, upstreamErr.Error(), "api_error")
	case errors.As(err, &statusErr):
		chatError(c, statusErr.Status, statusErr.Body, "api_error")
	case errors.Is(err, context.Canceled):
		// Client went away before the stream opened; nothing to write.
	default:
		log.Errorf("Chat completion failed (%T): %v", err, err)
		chatError(c, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func chatError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, converter.ErrorResponse{
		Error: converter.ErrorDetail{Message: message, Type: errType},
	})
}
