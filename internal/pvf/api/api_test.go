package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/pvf"
	"pvfexec/internal/pvf/validation"
	appErr "pvfexec/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeService struct {
	verdict     validation.Verdict
	err         error
	precheckErr error

	gotPVF  pvf.PrepData
	gotPVD  primitives.PersistedValidationData
	gotPoV  primitives.PoV
	gotKind primitives.PvfExecKind
}

func (s *fakeService) Validate(_ context.Context, p pvf.PrepData, pvd primitives.PersistedValidationData, pov primitives.PoV, kind primitives.PvfExecKind) (validation.Verdict, error) {
	s.gotPVF, s.gotPVD, s.gotPoV, s.gotKind = p, pvd, pov, kind
	return s.verdict, s.err
}

func (s *fakeService) Precheck(_ context.Context, p pvf.PrepData) error {
	s.gotPVF = p
	return s.precheckErr
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestValidateEndpoint(t *testing.T) {
	result := primitives.ValidationResult{HeadData: []byte{7}, HrmpWatermark: 3, UpwardMessages: []primitives.UpwardMessage{{1}}}
	svc := &fakeService{verdict: validation.Verdict{Kind: validation.Valid, Result: &result, CPUTime: 12 * time.Millisecond, PoVSize: 5}}
	r := NewRouter(NewController(svc, nil), nil)

	rec, env := doJSON(t, r, http.MethodPost, "/api/v1/pvf/validate", map[string]any{
		"code":                      []byte("\x00asm"),
		"executor_params":           []map[string]any{{"kind": "pvf_exec_timeout", "sub": 1, "value": 4000}},
		"parent_head":               []byte{1, 2},
		"relay_parent_number":       9,
		"relay_parent_storage_root": "0x" + string(bytes.Repeat([]byte("ab"), 32)),
		"max_pov_size":              1024,
		"block_data":                []byte{3},
		"exec_kind":                 "approval",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Trace-Id") == "" || env.TraceID == "" {
		t.Fatalf("trace id missing")
	}
	var resp ValidateResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.Verdict != "valid" || resp.CPUTimeMs != 12 || resp.Result == nil || resp.Result.HrmpWatermark != 3 || resp.Result.UpwardMessages != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if svc.gotKind != primitives.ExecKindApproval || svc.gotPVD.RelayParentNumber != 9 || svc.gotPVD.RelayParentStorageRoot[0] != 0xab {
		t.Fatalf("request not passed through: kind %v pvd %+v", svc.gotKind, svc.gotPVD)
	}
	if got := svc.gotPVF.ExecutorParams().PvfExecTimeout(primitives.ExecKindApproval); got != 4*time.Second {
		t.Fatalf("approval timeout = %s", got)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	r := NewRouter(NewController(&fakeService{}, nil), nil)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing_code", map[string]any{"block_data": []byte{1}}},
		{"unknown_param", map[string]any{"code": []byte{1}, "executor_params": []map[string]any{{"kind": "turbo"}}}},
		{"duplicate_param", map[string]any{"code": []byte{1}, "executor_params": []map[string]any{
			{"kind": "max_memory_pages", "value": 10},
			{"kind": "max_memory_pages", "value": 20},
		}}},
		{"unknown_exec_kind", map[string]any{"code": []byte{1}, "exec_kind": "dispute"}},
		{"short_root", map[string]any{"code": []byte{1}, "relay_parent_storage_root": "0xabcd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doJSON(t, r, http.MethodPost, "/api/v1/pvf/validate", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestValidateServiceErrors(t *testing.T) {
	svc := &fakeService{err: appErr.New(appErr.PoolExhausted)}
	r := NewRouter(NewController(svc, nil), nil)
	rec, env := doJSON(t, r, http.MethodPost, "/api/v1/pvf/validate", map[string]any{"code": []byte{1}})
	if rec.Code != http.StatusTooManyRequests || env.Code != int(appErr.PoolExhausted) {
		t.Fatalf("status = %d code = %d", rec.Code, env.Code)
	}
}

func TestPrecheckEndpoint(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		ok     bool
	}{
		{"compiles", nil, http.StatusOK, true},
		{"rejected", appErr.New(appErr.PrecheckFailed).WithMessage("bad magic"), http.StatusOK, false},
		{"timeout", appErr.New(appErr.PrepareTimeout), http.StatusOK, false},
		{"broken", appErr.New(appErr.InternalServerError), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{precheckErr: tc.err}
			r := NewRouter(NewController(svc, nil), nil)
			rec, env := doJSON(t, r, http.MethodPost, "/api/v1/pvf/precheck", map[string]any{"code": []byte{1}})
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.status != http.StatusOK {
				return
			}
			var resp PrecheckResponse
			if err := json.Unmarshal(env.Data, &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.OK != tc.ok {
				t.Fatalf("ok = %v, want %v", resp.OK, tc.ok)
			}
			if svc.gotPVF.PrepKind() != pvf.Prechecking {
				t.Fatalf("precheck must use the prechecking kind")
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	health := func() Health { return Health{Workers: 4, Artifacts: 2, MissingSecurity: []string{"seccomp"}} }
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte("pvf_executions_total 1\n"))
	})
	r := NewRouter(NewController(&fakeService{}, health), metrics)

	rec, env := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var h Health
	if err := json.Unmarshal(env.Data, &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Workers != 4 || len(h.MissingSecurity) != 1 {
		t.Fatalf("unexpected health %+v", h)
	}

	rec, _ = doJSON(t, r, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("pvf_executions_total")) {
		t.Fatalf("metrics not served: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTraceHeaderIsKept(t *testing.T) {
	r := NewRouter(NewController(&fakeService{}, nil), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-Id"); got != "trace-123" {
		t.Fatalf("trace id = %q", got)
	}
}
