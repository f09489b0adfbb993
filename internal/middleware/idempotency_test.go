package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

func newGuard(t *testing.T) *services.IdempotencyService {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return services.NewIdempotencyService(db, time.Hour, l)
}

type idemRouter struct {
	*gin.Engine
	calls  int32
	status int
	panics int32
}

func newIdemRouter(t *testing.T) *idemRouter {
	gin.SetMode(gin.TestMode)
	ir := &idemRouter{Engine: gin.New(), status: http.StatusCreated}
	ir.Use(gin.Recovery())
	ir.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User"); uid != "" {
			c.Set(ContextUserID, uid)
		}
		c.Next()
	})
	ir.Use(Idempotency(newGuard(t), "Idempotency-Key"))
	ir.POST("/things/:id", func(c *gin.Context) {
		if atomic.AddInt32(&ir.panics, -1) >= 0 {
			panic("handler failed")
		}
		n := atomic.AddInt32(&ir.calls, 1)
		c.JSON(ir.status, gin.H{"id": c.Param("id"), "call": n})
	})
	return ir
}

func (ir *idemRouter) post(path, key, body string) *httptest.ResponseRecorder {
	return ir.postAs("", path, key, body)
}

func (ir *idemRouter) postAs(user, path, key, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if user != "" {
		req.Header.Set("X-User", user)
	}
	ir.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	r := newIdemRouter(t)

	first := r.post("/things/1", "k1", `{"a":1,"b":2}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	// same logical body, different key order and whitespace
	second := r.post("/things/1", "k1", `{ "b": 2, "a": 1 }`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Contains(t, second.Header().Get("Content-Type"), "application/json")
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_DifferentPayloadConflicts(t *testing.T) {
	r := newIdemRouter(t)

	require.Equal(t, http.StatusCreated, r.post("/things/1", "k1", `{"a":1}`).Code)

	w := r.post("/things/1", "k1", `{"a":2}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_MISMATCH")

	// same body against another resource on the same route
	w = r.post("/things/2", "k1", `{"a":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_NoHeaderRunsEveryTime(t *testing.T) {
	r := newIdemRouter(t)
	r.post("/things/1", "", `{}`)
	r.post("/things/1", "", `{}`)
	assert.EqualValues(t, 2, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_ServerErrorReleasesKey(t *testing.T) {
	r := newIdemRouter(t)
	r.status = http.StatusInternalServerError

	w := r.post("/things/1", "k1", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	r.status = http.StatusOK
	w = r.post("/things/1", "k1", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(ReplayedHeader))
	assert.EqualValues(t, 2, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_ClientErrorIsStored(t *testing.T) {
	r := newIdemRouter(t)
	r.status = http.StatusBadRequest

	require.Equal(t, http.StatusBadRequest, r.post("/things/1", "k1", `{}`).Code)
	w := r.post("/things/1", "k1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "true", w.Header().Get(ReplayedHeader))
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_InvalidJSONBody(t *testing.T) {
	r := newIdemRouter(t)
	w := r.post("/things/1", "k1", `{"a":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	r := newIdemRouter(t)
	w := r.post("/things/1", strings.Repeat("k", 129), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotency_PanicReleasesKey(t *testing.T) {
	r := newIdemRouter(t)
	r.panics = 1

	w := r.post("/things/1", "k1", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = r.post("/things/1", "k1", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(ReplayedHeader))
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestIdempotency_KeysAreScopedPerUser(t *testing.T) {
	r := newIdemRouter(t)

	first := r.postAs("u-1", "/things/1", "shared", `{"a":1}`)
	require.Equal(t, http.StatusCreated, first.Code)

	other := r.postAs("u-2", "/things/1", "shared", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, other.Code)
	assert.Empty(t, other.Header().Get(ReplayedHeader))
	assert.NotEqual(t, first.Body.String(), other.Body.String())

	again := r.postAs("u-1", "/things/1", "shared", `{"a":1}`)
	assert.Equal(t, "true", again.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.EqualValues(t, 2, atomic.LoadInt32(&r.calls))
}
