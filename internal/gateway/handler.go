package gateway

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"magpie/internal/constants"
	"magpie/internal/logger"
	pkgerrors "magpie/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/webhooks/:source", h.Receive)
}

// Receive godoc
// @Summary      Receive a webhook notification
// @Description  Verifies the signature, timestamp and rate limit, then admits the event as a job exactly once
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        source  path  string  true  "Webhook source"  Enums(tiktok, instagram, reddit)
// @Param        X-Magpie-Signature  header  string  true  "HMAC-SHA256 of the raw body, sha256= prefixed"
// @Param        X-Magpie-Timestamp  header  string  true  "Unix seconds the request was signed"
// @Success      200  {object}  AdmissionResult  "duplicate or filtered"
// @Success      202  {object}  AdmissionResult  "admitted"
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Failure      429  {object}  map[string]interface{}
// @Router       /webhooks/{source} [post]
func (h *Handler) Receive(c *gin.Context) {
	source := c.Param("source")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.handleError(c, pkgerrors.ErrPayloadMalformed.WithCause(err))
		return
	}

	result, err := h.service.Admit(
		c.Request.Context(),
		source,
		body,
		c.GetHeader(constants.SignatureHeader),
		c.GetHeader(constants.TimestampHeader),
	)
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == AdmissionAdmitted {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.WarnwCtx(c.Request.Context(), "Webhook rejected",
		"error", err,
		"source", c.Param("source"),
		"path", c.Request.URL.Path,
	)

	status := pkgerrors.ToHTTPStatus(err)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, pkgerrors.ToErrorResponse(err))
}
