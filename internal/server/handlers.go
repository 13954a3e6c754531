package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/genforge/internal/compose"
	"github.com/maauso/genforge/internal/dispatch"
	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/lifecycle"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/unit"
)

// Services are the domain components the handlers call.
type Services struct {
	Units      unit.Repository
	Registry   *provider.Registry
	Scripts    *script.Service
	Decomposer *script.Decomposer
	Dispatcher *dispatch.Dispatcher
	Composer   *compose.Engine
	Ledger     *ledger.Service
	Machine    *lifecycle.Machine
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	svc                Services
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncCompose bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncCompose enables or disables background composition.
// When disabled, ComposeScript blocks until the artifact exists.
func WithAsyncCompose(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncCompose = enabled
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Services, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	h := &Handlers{
		svc:                svc,
		validator:          v,
		logger:             logger,
		enableAsyncCompose: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ScriptWebhook handles POST /webhooks/scripts. Every violation is reported
// at once with 422.
func (h *Handlers) ScriptWebhook(w http.ResponseWriter, r *http.Request) {
	var req ScriptWebhookRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("script webhook rejected", slog.String("error", err.Error()))
		writeViolations(w, http.StatusUnprocessableEntity, toViolations(err))
		return
	}

	payload := script.Payload{
		ScriptID: req.ScriptID,
		Owner:    req.Owner,
		TotalSec: req.TotalSec,
		Scenes:   make([]script.SceneSpec, 0, len(req.Scenes)),
	}
	for _, s := range req.Scenes {
		payload.Scenes = append(payload.Scenes, script.SceneSpec(s))
	}
	plans, err := script.ValidatePayload(payload, h.svc.Registry, h.svc.Decomposer.Tolerance())
	if err != nil {
		h.logger.Warn("script webhook rejected", slog.String("error", err.Error()))
		h.writeServiceError(w, err)
		return
	}
	h.startScript(w, r, req.ScriptID, req.Owner, req.TotalSec, plans)
}

// CreateScript handles POST /scripts: the text is decomposed into scenes.
func (h *Handlers) CreateScript(w http.ResponseWriter, r *http.Request) {
	var req CreateScriptRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	plans, err := h.svc.Decomposer.Decompose(req.Text, req.TotalSec)
	if err != nil {
		h.logger.Warn("decomposition failed",
			slog.String("owner", req.Owner),
			slog.Int("total_sec", req.TotalSec),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err)
		return
	}
	h.startScript(w, r, req.ScriptID, req.Owner, req.TotalSec, plans)
}

// startScript admits, stores and submits planned scenes.
func (h *Handlers) startScript(w http.ResponseWriter, r *http.Request, scriptID, owner string, totalSec int, plans []script.Plan) {
	ctx := r.Context()
	if err := h.svc.Dispatcher.AdmitPlans(ctx, owner, plans); err != nil {
		h.logger.Info("script admission rejected",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err)
		return
	}
	sc, scenes, err := h.svc.Scripts.Create(ctx, scriptID, owner, totalSec, plans)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// Once stored, submission must not be cut short by the client going away.
	report := h.svc.Dispatcher.SubmitScenes(context.WithoutCancel(ctx), scenes)
	sc, scenes, err = h.svc.Scripts.Get(ctx, sc.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("script accepted",
		slog.String("script_id", sc.ID),
		slog.String("owner", owner),
		slog.Int("scenes", len(scenes)),
		slog.Int("submit_failures", len(report.Failed)),
	)
	resp := toScriptResponse(sc, scenes)
	resp.Submitted = &report
	writeJSON(w, http.StatusAccepted, resp)
}

// GetScript handles GET /scripts/{id} requests.
func (h *Handlers) GetScript(w http.ResponseWriter, r *http.Request) {
	sc, scenes, err := h.svc.Scripts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScriptResponse(sc, scenes))
}

// ComposeScript handles POST /scripts/{id}/compose. Readiness is checked
// synchronously; the join itself runs in the background when async is on.
func (h *Handlers) ComposeScript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scriptID := r.PathValue("id")

	sc, _, err := h.svc.Scripts.Get(ctx, scriptID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	switch sc.GetStatus() {
	case script.StatusComposed:
		h.writeServiceError(w, script.ErrAlreadyComposed)
		return
	case script.StatusComposing:
		h.writeServiceError(w, script.ErrComposing)
		return
	}
	ready, err := h.svc.Composer.Ready(ctx, scriptID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !ready {
		h.writeServiceError(w, compose.ErrSceneNotTerminal)
		return
	}

	if h.enableAsyncCompose {
		go func(ctx context.Context, id string) {
			if _, err := h.svc.Composer.Compose(ctx, id); err != nil {
				h.logger.Error("background composition failed",
					slog.String("script_id", id),
					slog.String("error", err.Error()),
				)
			}
		}(context.WithoutCancel(ctx), scriptID)
		h.writeScript(w, r, scriptID, http.StatusAccepted)
		return
	}

	if _, err := h.svc.Composer.Compose(ctx, scriptID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeScript(w, r, scriptID, http.StatusOK)
}

func (h *Handlers) writeScript(w http.ResponseWriter, r *http.Request, scriptID string, status int) {
	sc, scenes, err := h.svc.Scripts.Get(r.Context(), scriptID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, status, toScriptResponse(sc, scenes))
}

// UpdateScene handles PATCH /scripts/{id}/scenes/{sceneID}.
func (h *Handlers) UpdateScene(w http.ResponseWriter, r *http.Request) {
	var req UpdateSceneRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	u, err := h.svc.Scripts.SetIncluded(r.Context(), r.PathValue("id"), r.PathValue("sceneID"), *req.Included)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnitResponse(u))
}

// CreateUnit handles POST /units requests.
func (h *Handlers) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	u, err := h.svc.Dispatcher.SubmitUnit(r.Context(), dispatch.Request{
		Owner:    req.Owner,
		Kind:     unit.Kind(req.Kind),
		Provider: req.Provider,
		Config: unit.Config{
			DurationSec: req.DurationSec,
			Resolution:  req.Resolution,
			Variant:     req.Variant,
			Audio:       req.Audio,
			Prompt:      req.Prompt,
			Characters:  req.Characters,
		},
	})
	if err != nil {
		h.logger.Warn("unit rejected",
			slog.String("owner", req.Owner),
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("unit submitted",
		slog.String("unit_id", u.ID),
		slog.String("provider", u.Provider),
		slog.String("owner", u.Owner),
	)
	writeJSON(w, http.StatusAccepted, toUnitResponse(u))
}

// GetUnit handles GET /units/{id} requests.
func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Units.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnitResponse(u))
}

// decode reads a JSON body, answering 400 on malformed input.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}
	return true
}

// decodeValid decodes and validates a request DTO.
func (h *Handlers) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !h.decode(w, r, dst) {
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeViolations(w, http.StatusBadRequest, toViolations(err))
		return false
	}
	return true
}

// errorMapping pairs a domain error with its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable is matched in order with errors.Is.
var errorTable = []errorMapping{
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
	{ledger.ErrMonthlyLimitExceeded, http.StatusTooManyRequests, "MONTHLY_LIMIT_EXCEEDED"},

	{unit.ErrUnitNotFound, http.StatusNotFound, "UNIT_NOT_FOUND"},
	{script.ErrScriptNotFound, http.StatusNotFound, "SCRIPT_NOT_FOUND"},
	{script.ErrSceneNotInScript, http.StatusNotFound, "SCENE_NOT_FOUND"},
	{ledger.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
	{ledger.ErrTransactionNotFound, http.StatusNotFound, "NOT_CHARGED"},

	{script.ErrScriptExists, http.StatusConflict, "SCRIPT_EXISTS"},
	{script.ErrComposing, http.StatusConflict, "COMPOSING"},
	{script.ErrAlreadyComposed, http.StatusConflict, "ALREADY_COMPOSED"},
	{compose.ErrSceneNotTerminal, http.StatusConflict, "SCENES_NOT_READY"},
	{compose.ErrSceneFailed, http.StatusConflict, "SCENE_FAILED"},
	{compose.ErrNoScenes, http.StatusConflict, "NO_SCENES"},
	{ledger.ErrAlreadyRefunded, http.StatusConflict, "ALREADY_REFUNDED"},
	{unit.ErrConcurrentUpdate, http.StatusConflict, "CONCURRENT_UPDATE"},

	{provider.ErrUnknownProvider, http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER"},
	{dispatch.ErrKindMismatch, http.StatusUnprocessableEntity, "KIND_MISMATCH"},
	{dispatch.ErrDurationTooLong, http.StatusUnprocessableEntity, "DURATION_TOO_LONG"},
	{dispatch.ErrUnsupportedResolution, http.StatusUnprocessableEntity, "UNSUPPORTED_RESOLUTION"},
	{dispatch.ErrAudioUnsupported, http.StatusUnprocessableEntity, "AUDIO_UNSUPPORTED"},
	{duration.ErrNoLegalDuration, http.StatusUnprocessableEntity, "NO_LEGAL_DURATION"},
	{ledger.ErrNoRate, http.StatusUnprocessableEntity, "NO_RATE"},
	{ledger.ErrInvalidQuantity, http.StatusUnprocessableEntity, "INVALID_QUANTITY"},
	{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT"},
	{script.ErrEmptyScript, http.StatusUnprocessableEntity, "EMPTY_SCRIPT"},
	{script.ErrInvalidTotal, http.StatusUnprocessableEntity, "INVALID_TOTAL"},
	{script.ErrNoProvider, http.StatusUnprocessableEntity, "NO_PROVIDER"},
	{script.ErrToleranceUnreachable, http.StatusUnprocessableEntity, "TOLERANCE_UNREACHABLE"},

	{dispatch.ErrSubmitFailed, http.StatusBadGateway, "SUBMIT_FAILED"},
}

// writeServiceError maps a domain error to a response. Unknown errors are
// logged and hidden behind a 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var verr *script.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      "invalid script payload",
			Code:       "INVALID_PAYLOAD",
			Violations: verr.Violations,
		})
		return
	}
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeError(w, m.status, err.Error(), m.code)
			return
		}
	}
	h.logger.Error("request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
}

// toViolations flattens validator errors. Scene fields keep their index.
func toViolations(err error) []script.Violation {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []script.Violation{{Index: -1, Field: "body", Message: err.Error()}}
	}
	out := make([]script.Violation, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		v := script.Violation{Index: -1, Field: field, Message: describe(fe)}
		if head, rest, ok := strings.Cut(field, "]."); ok {
			if name, idx, ok := strings.Cut(head, "["); ok && name == "scenes" {
				if n, err := strconv.Atoi(idx); err == nil {
					v.Index = n
					v.Field = rest
				}
			}
		}
		out = append(out, v)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "numeric":
		return "must be a number"
	}
	return "failed " + fe.Tag() + " check"
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func writeViolations(w http.ResponseWriter, status int, vs []script.Violation) {
	writeJSON(w, status, ErrorResponse{
		Error:      "validation failed",
		Code:       "VALIDATION_ERROR",
		Violations: vs,
	})
}
