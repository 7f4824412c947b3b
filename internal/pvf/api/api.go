// Package api exposes the validation host over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"pvfexec/internal/common/http/middleware"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/pvf"
	"pvfexec/internal/pvf/validation"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Service is what the handlers need from the validation layer.
type Service interface {
	Validate(ctx context.Context, p pvf.PrepData, pvd primitives.PersistedValidationData, pov primitives.PoV, kind primitives.PvfExecKind) (validation.Verdict, error)
	Precheck(ctx context.Context, p pvf.PrepData) error
}

// Health is reported by GET /healthz.
type Health struct {
	Status          string   `json:"status"`
	Workers         int      `json:"workers"`
	Artifacts       int      `json:"artifacts"`
	ArtifactBytes   int64    `json:"artifact_bytes"`
	MissingSecurity []string `json:"missing_security,omitempty"`
}

// HealthFunc collects the current health.
type HealthFunc func() Health

// Controller handles PVF HTTP endpoints.
type Controller struct {
	svc    Service
	health HealthFunc
}

func NewController(svc Service, health HealthFunc) *Controller {
	if health == nil {
		health = func() Health { return Health{} }
	}
	return &Controller{svc: svc, health: health}
}

// NewRouter builds the gin engine. metrics may be nil.
func NewRouter(ctrl *Controller, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.TraceContextMiddleware(), middleware.AccessLogMiddleware())

	r.GET("/healthz", ctrl.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	v1 := r.Group("/api/v1/pvf")
	v1.POST("/validate", ctrl.Validate)
	v1.POST("/precheck", ctrl.Precheck)
	return r
}

// ExecutorParam is the JSON form of one executor parameter.
type ExecutorParam struct {
	Kind  string `json:"kind" binding:"required"`
	Sub   uint8  `json:"sub"`
	Value uint64 `json:"value"`
}

// ValidateRequest carries a candidate. Byte fields are base64 in JSON.
type ValidateRequest struct {
	Code                   []byte          `json:"code" binding:"required"`
	ExecutorParams         []ExecutorParam `json:"executor_params"`
	ParentHead             []byte          `json:"parent_head"`
	RelayParentNumber      uint32          `json:"relay_parent_number"`
	RelayParentStorageRoot string          `json:"relay_parent_storage_root"`
	MaxPoVSize             uint32          `json:"max_pov_size"`
	BlockData              []byte          `json:"block_data"`
	ExecKind               string          `json:"exec_kind"`
}

// PrecheckRequest carries code to compile.
type PrecheckRequest struct {
	Code           []byte          `json:"code" binding:"required"`
	ExecutorParams []ExecutorParam `json:"executor_params"`
}

// ValidationResult is the JSON form of a successful execution.
type ValidationResult struct {
	HeadData                  []byte `json:"head_data"`
	NewValidationCode         []byte `json:"new_validation_code,omitempty"`
	UpwardMessages            int    `json:"upward_messages"`
	HorizontalMessages        int    `json:"horizontal_messages"`
	ProcessedDownwardMessages uint32 `json:"processed_downward_messages"`
	HrmpWatermark             uint32 `json:"hrmp_watermark"`
}

// ValidateResponse is the verdict.
type ValidateResponse struct {
	Verdict   string            `json:"verdict"`
	Reason    string            `json:"reason,omitempty"`
	CPUTimeMs int64             `json:"cpu_time_ms"`
	PoVSize   uint32            `json:"pov_size"`
	Result    *ValidationResult `json:"result,omitempty"`
}

// PrecheckResponse tells whether the code compiled.
type PrecheckResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Health reports liveness and pool state.
func (h *Controller) Health(c *gin.Context) {
	health := h.health()
	if health.Status == "" {
		health.Status = "ok"
	}
	response.Success(c, health)
}

// Validate executes one candidate.
func (h *Controller) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	params, err := ParseExecutorParams(req.ExecutorParams)
	if err != nil {
		response.Error(c, err)
		return
	}
	kind, err := ParseExecKind(req.ExecKind)
	if err != nil {
		response.Error(c, err)
		return
	}
	root, err := parseHash(req.RelayParentStorageRoot)
	if err != nil {
		response.Error(c, err)
		return
	}
	pvd := primitives.PersistedValidationData{
		ParentHead:             req.ParentHead,
		RelayParentNumber:      req.RelayParentNumber,
		RelayParentStorageRoot: root,
		MaxPoVSize:             req.MaxPoVSize,
	}
	p := pvf.FromParams(req.Code, params, pvf.Compilation)

	verdict, err := h.svc.Validate(c.Request.Context(), p, pvd, primitives.PoV{BlockData: req.BlockData}, kind)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toValidateResponse(verdict))
}

// Precheck compiles code without keeping the artifact.
func (h *Controller) Precheck(c *gin.Context) {
	var req PrecheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	params, err := ParseExecutorParams(req.ExecutorParams)
	if err != nil {
		response.Error(c, err)
		return
	}
	err = h.svc.Precheck(c.Request.Context(), pvf.FromParams(req.Code, params, pvf.Prechecking))
	switch {
	case err == nil:
		response.Success(c, PrecheckResponse{OK: true})
	case appErr.Is(err, appErr.PrecheckFailed), appErr.Is(err, appErr.PrepareTimeout):
		response.Success(c, PrecheckResponse{OK: false, Reason: err.Error()})
	default:
		response.Error(c, err)
	}
}

func toValidateResponse(v validation.Verdict) ValidateResponse {
	resp := ValidateResponse{
		Verdict:   v.Kind.String(),
		Reason:    v.Reason,
		CPUTimeMs: v.CPUTime.Milliseconds(),
		PoVSize:   v.PoVSize,
	}
	if v.Result != nil {
		r := &ValidationResult{
			HeadData:                  v.Result.HeadData,
			UpwardMessages:            len(v.Result.UpwardMessages),
			HorizontalMessages:        len(v.Result.HorizontalMessages),
			ProcessedDownwardMessages: v.Result.ProcessedDownwardMessages,
			HrmpWatermark:             v.Result.HrmpWatermark,
		}
		if code, ok := v.Result.NewCode(); ok {
			r.NewValidationCode = code
		}
		resp.Result = r
	}
	return resp
}

var paramKinds = map[string]primitives.ExecutorParamKind{
	"max_memory_pages":       primitives.ParamMaxMemoryPages,
	"stack_logical_max":      primitives.ParamStackLogicalMax,
	"stack_native_max":       primitives.ParamStackNativeMax,
	"prechecking_max_memory": primitives.ParamPrecheckingMaxMemory,
	"pvf_prep_timeout":       primitives.ParamPvfPrepTimeout,
	"pvf_exec_timeout":       primitives.ParamPvfExecTimeout,
	"wasm_ext_bulk_memory":   primitives.ParamWasmExtBulkMemory,
}

// ParseExecutorParams converts and checks the JSON parameter list. Timeouts are in
// milliseconds.
func ParseExecutorParams(in []ExecutorParam) (primitives.ExecutorParams, error) {
	out := make(primitives.ExecutorParams, 0, len(in))
	for _, p := range in {
		kind, ok := paramKinds[strings.ToLower(strings.TrimSpace(p.Kind))]
		if !ok {
			return nil, appErr.ValidationError("executor_params", fmt.Sprintf("unknown kind %q", p.Kind))
		}
		out = append(out, primitives.ExecutorParam{Kind: kind, Sub: p.Sub, Value: p.Value})
	}
	if err := out.CheckConsistency(); err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams)
	}
	return out, nil
}

// ParseExecKind accepts "backing" (the default) and "approval".
func ParseExecKind(s string) (primitives.PvfExecKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "backing":
		return primitives.ExecKindBacking, nil
	case "approval":
		return primitives.ExecKindApproval, nil
	default:
		return 0, appErr.ValidationError("exec_kind", fmt.Sprintf("unknown kind %q", s))
	}
}

func parseHash(s string) (primitives.Hash, error) {
	var h primitives.Hash
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, appErr.ValidationError("relay_parent_storage_root", "must be 32 hex encoded bytes")
	}
	copy(h[:], b)
	return h, nil
}
