package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/seckill/application"
	"flashsale/internal/seckill/domain"
)

// SeckillHandler 封装秒杀核心的 HTTP 处理器
type SeckillHandler struct {
	admission *application.AdmissionService
	status    *application.StatusQuery
}

// NewSeckillHandler 创建一个新的 HTTP 处理器实例
func NewSeckillHandler(admission *application.AdmissionService, status *application.StatusQuery) *SeckillHandler {
	return &SeckillHandler{admission: admission, status: status}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *SeckillHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /seckill/{activityId}/{skuId}", h.admitHandler)
	mux.HandleFunc("GET /seckill/intent/{intentId}", h.intentStatusHandler)
	mux.HandleFunc("POST /admin/activities/{activityId}/prepare", h.prepareHandler)
}

type admitRequest struct {
	UserID string `json:"userId"`
}

type admitResponse struct {
	IntentID string `json:"intentId"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *SeckillHandler) admitHandler(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	intent, err := h.admission.Admit(ctx, r.PathValue("activityId"), r.PathValue("skuId"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// 202: 请求已进入异步结算，最终结果通过状态查询或推送获知
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(admitResponse{
		IntentID: intent.IntentID,
		Status:   string(domain.IntentEnqueued),
	})
}

// prepareHandler 活动预热: 把权威库存灌入缓存。开售前由运营触发。
func (h *SeckillHandler) prepareHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.admission.PrepareActivity(r.Context(), r.PathValue("activityId")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SeckillHandler) intentStatusHandler(w http.ResponseWriter, r *http.Request) {
	intentID := r.PathValue("intentId")
	state, err := h.status.IntentStatus(r.Context(), intentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(admitResponse{IntentID: intentID, Status: string(state)})
}

// writeDomainError 把领域错误翻译成 HTTP 状态码:
//
//	429 需要退避重试; 409 业务上注定失败，重试无意义;
//	503 系统过载，稍后可能成功; 404/403 请求本身不成立。
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited, retry later")
	case errors.Is(err, domain.ErrStockExhausted),
		errors.Is(err, domain.ErrAlreadyPurchased),
		errors.Is(err, domain.ErrActivityClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLockBusy),
		errors.Is(err, domain.ErrStockNotPreloaded):
		writeError(w, http.StatusServiceUnavailable, "system busy, retry later")
	case errors.Is(err, domain.ErrActivityNotFound),
		errors.Is(err, domain.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotEligible):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		logger.Ctx(context.Background()).Error().Err(err).Msg("Unhandled error in seckill handler")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
