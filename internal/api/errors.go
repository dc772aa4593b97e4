package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// fieldError is one validation failure surfaced to the caller.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

type errorBody struct {
	Kind    utils.Kind   `json:"kind"`
	Message string       `json:"message"`
	Fields  []fieldError `json:"fields,omitempty"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func (a *API) writeError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	if errors.Is(err, store.ErrNotFound) {
		kind = utils.KindNotFound
	}
	if errors.Is(err, store.ErrDuplicate) {
		kind = utils.KindConflict
	}

	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case utils.KindValidation:
		status = http.StatusBadRequest
		message = "validation failed"
	case utils.KindRateLimited:
		status = http.StatusTooManyRequests
		message = "rate limit exceeded"
	case utils.KindOverloaded:
		status = http.StatusServiceUnavailable
		message = "service overloaded, retry later"
	case utils.KindNotFound:
		status = http.StatusNotFound
		message = "not found"
	case utils.KindConflict:
		status = http.StatusConflict
		message = "conflict"
	case utils.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
		message = "storage unavailable, retry later"
	case utils.KindExternalUnavailable:
		status = http.StatusServiceUnavailable
		message = "upstream provider unavailable"
	}

	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		if c.Writer.Header().Get("Retry-After") == "" {
			c.Header("Retry-After", "5")
		}
	}

	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Kind: kind, Message: message}})
}

// writeValidationError renders a 400 with per-field diagnostics.
func (a *API) writeValidationError(c *gin.Context, err error) {
	body := errorBody{Kind: utils.KindValidation, Message: "validation failed"}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, ve := range verrs {
			body.Fields = append(body.Fields, fieldError{
				Field:   ve.Field(),
				Message: "failed rule: " + ve.Tag(),
				Value:   ve.Value(),
			})
		}
	} else {
		body.Fields = append(body.Fields, fieldError{Field: "body", Message: err.Error()})
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": body})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
