package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultMaxBodyBytes int64 = 16 << 20
	allowedMessageMethods     = "GET, POST"
)

const (
	errorNameAndMessageRequired = "name and message required"
	errorInvalidPhoto           = "invalid photo"
	errorPhotoTooLarge          = "photo too large"
	errorMessageNotFound        = "message not found"
	errorInvalidRequestBody     = "invalid request body"
	errorRequestTooLarge        = "request too large"
	errorTooManyRequests        = "too many requests"
	errorMethodNotAllowed       = "method not allowed"
	errorRetrieveFailed         = "Failed to retrieve messages"
	errorSaveFailed             = "Failed to save message"
	errorUpdatePhotoFailed      = "Failed to update photo"
	errorStreamUnavailable      = "stream unavailable"
)

var errMissingMessageService = errors.New("message service dependency required")

// MessageService is the subset of messages.Service the HTTP surface drives.
type MessageService interface {
	List(ctx context.Context) ([]messages.Message, error)
	Create(ctx context.Context, request messages.CreateRequest) (messages.Message, error)
	AttachPhoto(ctx context.Context, id messages.ID, rawPhoto string) (messages.Message, error)
}

type Dependencies struct {
	Messages MessageService
	// Stream feeds /messages/stream. Nil disables the endpoint.
	Stream MessageStream
	// StoreMode is reported by /healthz.
	StoreMode string
	// PhotoRoute and PhotoDir serve locally stored photos when both are set.
	PhotoRoute        string
	PhotoDir          string
	MaxBodyBytes      int64
	CORSOrigins       []string
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	Metrics           *Metrics
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Messages == nil {
		return nil, errMissingMessageService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBodyBytes := deps.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(deps.Stream)
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(metrics.middleware())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		messages:     deps.Messages,
		stream:       deps.Stream,
		storeMode:    deps.StoreMode,
		maxBodyBytes: maxBodyBytes,
		heartbeat:    heartbeat,
		limiter:      newLimiterPool(deps.RateLimit),
		metrics:      metrics,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/messages", handler.handleListMessages)
	router.POST("/messages", handler.rateLimit, handler.handlePostMessage)
	router.NoMethod(handler.handleMethodNotAllowed)
	router.GET("/messages/stream", handler.handleMessageStream)

	photoRoute := strings.TrimRight(strings.TrimSpace(deps.PhotoRoute), "/")
	if strings.HasPrefix(photoRoute, "/") && strings.TrimSpace(deps.PhotoDir) != "" {
		router.Static(photoRoute, deps.PhotoDir)
	}

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: allowed,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "apikey"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	messages     MessageService
	stream       MessageStream
	storeMode    string
	maxBodyBytes int64
	heartbeat    time.Duration
	limiter      *limiterPool
	metrics      *Metrics
	logger       *zap.Logger
}

// messageRequestPayload covers both POST forms: {name, message, photo?} and {id, photo}.
type messageRequestPayload struct {
	ID      messages.ID `json:"id"`
	Name    string      `json:"name"`
	Message string      `json:"message"`
	Photo   string      `json:"photo"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": h.storeMode})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	list, err := h.messages.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorRetrieveFailed})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.observeSubmission(submissionRejected)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errorRequestTooLarge})
			return
		}
		h.metrics.observeSubmission(submissionRejected)
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequestBody})
		return
	}

	if !request.ID.IsZero() && strings.TrimSpace(request.Photo) != "" {
		updated, err := h.messages.AttachPhoto(c.Request.Context(), request.ID, request.Photo)
		if err != nil {
			h.respondWithError(c, err, errorUpdatePhotoFailed)
			return
		}
		h.metrics.observeSubmission(submissionPhotoAttached)
		c.JSON(http.StatusOK, updated)
		return
	}

	created, err := h.messages.Create(c.Request.Context(), messages.CreateRequest{
		Name:    request.Name,
		Message: request.Message,
		Photo:   request.Photo,
	})
	if err != nil {
		h.respondWithError(c, err, errorSaveFailed)
		return
	}
	h.metrics.observeSubmission(submissionCreated)
	c.JSON(http.StatusCreated, created)
}

// respondWithError maps service failures to generic client messages. Causes stay in the logs.
func (h *httpHandler) respondWithError(c *gin.Context, err error, fallback string) {
	status, message := http.StatusInternalServerError, fallback
	switch {
	case errors.Is(err, messages.ErrMissingName), errors.Is(err, messages.ErrMissingMessage):
		status, message = http.StatusBadRequest, errorNameAndMessageRequired
	case errors.Is(err, messages.ErrPhotoTooLarge):
		status, message = http.StatusRequestEntityTooLarge, errorPhotoTooLarge
	case errors.Is(err, messages.ErrInvalidDataURI):
		status, message = http.StatusBadRequest, errorInvalidPhoto
	case errors.Is(err, messages.ErrNotFound):
		status, message = http.StatusNotFound, errorMessageNotFound
	}

	if status >= http.StatusInternalServerError {
		h.metrics.observeSubmission(submissionFailed)
	} else {
		h.metrics.observeSubmission(submissionRejected)
		h.logger.Debug("message request rejected", zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

func (h *httpHandler) handleMethodNotAllowed(c *gin.Context) {
	allow := http.MethodGet
	if strings.TrimRight(c.Request.URL.Path, "/") == "/messages" {
		allow = allowedMessageMethods
	}
	c.Header("Allow", allow)
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": errorMethodNotAllowed})
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if h.limiter.Allow(c.ClientIP()) {
		c.Next()
		return
	}
	h.metrics.observeSubmission(submissionThrottled)
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorTooManyRequests})
}
