package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	appmetrics "github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/metrics"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/pkg/canonical"
)

// ReplayedHeader is set on responses served from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

// IdempotencyGuard is satisfied by services.IdempotencyService.
type IdempotencyGuard interface {
	Guard(ctx context.Context, key, endpoint, requestHash string, fn services.IdempotentFunc) (string, bool, error)
}

// storedResponse is what gets persisted as the response snapshot.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
}

// errServerResponse releases the claim when the handler answered with a 5xx.
var errServerResponse = errors.New("handler returned a server error")

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency makes the wrapped route safe to retry when the client sends header.
// Requests without the header run normally. The endpoint is "METHOD route", scoped to the
// authenticated user so keys of different users never meet. The request hash covers
// method, concrete path and the canonical JSON body, so a key cannot be replayed against
// a different resource on the same route.
func Idempotency(guard IdempotencyGuard, header string) gin.HandlerFunc {
	if header == "" {
		header = "Idempotency-Key"
	}
	return func(c *gin.Context) {
		key := c.GetHeader(header)
		if key == "" || guard == nil {
			c.Next()
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		hash, err := requestHash(c.Request, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
			return
		}
		endpoint := c.Request.Method + " " + c.FullPath()
		scope := endpoint
		if id, ok := CurrentIdentity(c); ok {
			scope = "user:" + id.UserID + " " + endpoint
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		snapshot, replayed, err := guard.Guard(c.Request.Context(), key, scope, hash, func(ctx context.Context) (string, error) {
			c.Writer = cw
			c.Next()
			resp := storedResponse{
				Status:      cw.Status(),
				ContentType: cw.Header().Get("Content-Type"),
				Body:        cw.body.String(),
			}
			if resp.Status >= http.StatusInternalServerError {
				return "", errServerResponse
			}
			b, err := json.Marshal(resp)
			return string(b), err
		})

		switch {
		case errors.Is(err, errServerResponse):
			return
		case err != nil:
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, services.ErrValidation):
				status = http.StatusBadRequest
			case errors.Is(err, services.ErrConflict):
				status = http.StatusConflict
			}
			if c.Writer.Written() {
				return
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   http.StatusText(status),
				"message": err.Error(),
				"code":    services.ErrorCode(err),
			})
			return
		case !replayed:
			return
		}

		var resp storedResponse
		if err := json.Unmarshal([]byte(snapshot), &resp); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "message": "corrupt idempotency snapshot"})
			return
		}
		appmetrics.IncIdempotentReplay(endpoint)
		c.Header(ReplayedHeader, "true")
		c.Data(resp.Status, resp.ContentType, []byte(resp.Body))
		c.Abort()
	}
}

func requestHash(r *http.Request, body []byte) (string, error) {
	canon, err := canonical.FromJSON(body)
	if err != nil {
		return "", err
	}
	return canonical.Hash(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.RequestURI(),
		"body":   json.RawMessage(canon),
	})
}
