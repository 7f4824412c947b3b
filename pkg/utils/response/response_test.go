package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pvfexec/pkg/errors"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", func(c *gin.Context) {
		c.Set("trace_id", "trace-1")
		handler(c)
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func TestResponses(t *testing.T) {
	cases := []struct {
		name       string
		handler    gin.HandlerFunc
		wantStatus int
		wantCode   errors.ErrorCode
	}{
		{
			name:       "success",
			handler:    func(c *gin.Context) { Success(c, map[string]string{"verdict": "valid"}) },
			wantStatus: http.StatusOK,
			wantCode:   errors.Success,
		},
		{
			name:       "pool exhausted",
			handler:    func(c *gin.Context) { Error(c, errors.New(errors.PoolExhausted)) },
			wantStatus: http.StatusTooManyRequests,
			wantCode:   errors.PoolExhausted,
		},
		{
			name:       "bad request",
			handler:    func(c *gin.Context) { BadRequest(c, "missing code") },
			wantStatus: http.StatusBadRequest,
			wantCode:   errors.InvalidParams,
		},
		{
			name:       "abort",
			handler:    func(c *gin.Context) { AbortWithError(c, errors.New(errors.ArtifactNotFound)) },
			wantStatus: http.StatusNotFound,
			wantCode:   errors.ArtifactNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := serve(t, tc.handler)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if resp.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", resp.Code, tc.wantCode)
			}
			if resp.TraceID != "trace-1" {
				t.Fatalf("trace id = %q", resp.TraceID)
			}
		})
	}
}
