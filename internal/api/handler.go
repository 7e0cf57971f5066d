package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/assist"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/retrain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	scorer   *scoring.Scorer
	registry *registry.Registry
	history  *history.Service
	retrain  *retrain.Manager
	assist   *assist.Client
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, scorer *scoring.Scorer, reg *registry.Registry, hist *history.Service, retrainMgr *retrain.Manager, assistClient *assist.Client, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		scorer:   scorer,
		registry: reg,
		history:  hist,
		retrain:  retrainMgr,
		assist:   assistClient,
		version:  version,
	}
}

// Score handles POST /score: synchronous scoring of one transaction.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if tx.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user_id is required",
		})
		return
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	// Fill behavioral signals the caller did not supply.
	if h.history != nil {
		if err := h.history.Enrich(ctx, &tx); err != nil {
			slog.Warn("history enrichment failed, scoring with provided signals",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	result, err := h.scorer.Score(ctx, &tx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrModelUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "models not loaded",
			})
		case errors.Is(err, domain.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("scoring failed", "tx_id", tx.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "scoring failed",
			})
		}
		return
	}

	// Persist transaction and audit log entry; failures are logged, the
	// caller still gets its score.
	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, &tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}

		rec := &domain.PredictionRecord{
			ID:           tx.ID,
			Timestamp:    time.Now().UTC(),
			UserID:       tx.UserID,
			Amount:       tx.Amount,
			RiskScore:    result.Components.FusedRiskScore,
			Decision:     result.Decision.Action,
			Reason:       result.Decision.Reason,
			ModelVersion: result.ModelVersion,
		}
		if err := h.repo.AppendPrediction(ctx, rec); err != nil {
			slog.Error("failed to append prediction", "tx_id", tx.ID, "error", err)
		}
	}

	if h.history != nil {
		h.history.Invalidate(ctx, tx.UserID)
	}

	if h.bus != nil {
		payload, _ := json.Marshal(result)
		if err := h.bus.Publish(ctx, domain.TopicTransactionScored, payload); err != nil {
			slog.Error("failed to publish score result", "tx_id", tx.ID, "error", err)
		}
		if result.Decision.Action == domain.ActionBlock {
			if err := h.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
				slog.Error("failed to publish alert", "tx_id", tx.ID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, result.ToResponse())
}

// Feedback handles POST /feedback: appends an analyst correction.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rec domain.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.AppendFeedback(ctx, &rec); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to append feedback", "tx_id", rec.TransactionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save feedback",
		})
		return
	}

	slog.Info("feedback recorded",
		"tx_id", rec.TransactionID,
		"original", rec.OriginalDecision,
		"corrected", rec.CorrectedDecision,
	)
	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "recorded",
	})
}

// ListTransactions handles GET /transactions: the prediction audit log,
// newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	records, err := h.repo.ListPredictions(ctx, limit)
	if err != nil {
		slog.Error("failed to list predictions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list transactions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": records,
		"count":        len(records),
	})
}

// ListModels handles GET /models: all versioned artifact pairs.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	versions, err := h.registry.ListVersions()
	if err != nil {
		slog.Error("failed to list model versions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list model versions",
		})
		return
	}

	current, _ := h.registry.CurrentVersion()

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"current":  current,
		"count":    len(versions),
	})
}

// ActivateModel handles POST /models/{version}/activate: promotes a
// versioned pair to current and swaps it into the live scorer.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version is required",
		})
		return
	}

	if err := h.registry.Activate(version); err != nil {
		switch {
		case errors.Is(err, domain.ErrVersionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "model version not found",
			})
		case errors.Is(err, domain.ErrCorruptArtifact):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": "corrupt model artifact: " + err.Error(),
			})
		case errors.Is(err, domain.ErrPartialActivation):
			slog.Error("partial model activation", "version", version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "partial activation: current model slot is inconsistent",
			})
		default:
			slog.Error("model activation failed", "version", version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "activation failed",
			})
		}
		return
	}

	if err := h.reloadScorer(r, version); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "activated on disk but reload failed: " + err.Error(),
		})
		return
	}

	slog.Info("model version activated", "version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "activated",
		"version": version,
	})
}

// ReloadModels handles POST /models/reload: re-reads the current slot
// from disk and swaps it into the live scorer.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	if err := h.reloadScorer(r, ""); err != nil {
		if errors.Is(err, domain.ErrModelUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "no current models on disk",
			})
			return
		}
		slog.Error("model reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "reload failed: " + err.Error(),
		})
		return
	}

	snap := h.scorer.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reloaded",
		"version": snap.Version,
	})
}

// reloadScorer loads the current artifact pair and publishes it to the
// scorer, announcing the activation on the bus.
func (h *Handler) reloadScorer(r *http.Request, activatedVersion string) error {
	supervised, anomaly, version, err := h.registry.LoadCurrent()
	if err != nil {
		return err
	}

	h.scorer.Swap(&scoring.ModelSnapshot{
		Supervised: supervised,
		Anomaly:    anomaly,
		Version:    version,
		LoadedAt:   time.Now().UTC(),
	})

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"version":   version,
			"activated": activatedVersion,
		})
		if err := h.bus.Publish(r.Context(), domain.TopicModelActivated, payload); err != nil {
			slog.Error("failed to publish model activation", "version", version, "error", err)
		}
	}
	return nil
}

// StartRetrain handles POST /retrain: launches a background retraining
// job. Only one job runs at a time.
func (h *Handler) StartRetrain(w http.ResponseWriter, r *http.Request) {
	if h.retrain == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "retraining not available",
		})
		return
	}

	id, err := h.retrain.Start()
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "a retraining job is already running",
			})
			return
		}
		slog.Error("failed to start retraining", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to start retraining",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"state":  string(domain.JobQueued),
	})
}

// GetRetrainJob handles GET /retrain/{id}: job status, log output and,
// once finished, the retraining report.
func (h *Handler) GetRetrainJob(w http.ResponseWriter, r *http.Request) {
	if h.retrain == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "retraining not available",
		})
		return
	}

	id := chi.URLParam(r, "id")
	status, err := h.retrain.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// ListRetrainJobs handles GET /retrain: all known jobs, newest first.
func (h *Handler) ListRetrainJobs(w http.ResponseWriter, r *http.Request) {
	if h.retrain == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "retraining not available",
		})
		return
	}

	jobs := h.retrain.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// ExplainRequest is the request body for POST /assist/explain.
type ExplainRequest struct {
	Transaction       domain.Transaction `json:"transaction"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// Explain handles POST /assist/explain: free-text explanation of a
// transaction's risk from the external assistant. Degraded availability
// is reported, never faked.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	if h.assist == nil || !h.assist.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "assist service not configured",
		})
		return
	}

	var req ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Transaction.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction.user_id is required",
		})
		return
	}

	text, err := h.assist.Explain(r.Context(), &req.Transaction, req.FeatureImportance)
	if err != nil {
		slog.Warn("assist explain failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "assist service unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"explanation": text,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server can score traffic: it requires a
// loaded model pair.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.scorer == nil || !h.scorer.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "models not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ModelStatus describes one loaded artifact by its declared tags.
type ModelStatus struct {
	Kind      domain.ModelRole `json:"kind"`
	Algorithm string           `json:"algorithm"`
	Version   string           `json:"version"`
}

// Status handles GET /status: operational state plus the declared
// identity of the current artifact pair.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	state := "operational"
	if h.scorer == nil || !h.scorer.Ready() {
		state = "degraded"
	}

	models := make([]ModelStatus, 0, 2)
	if h.registry != nil {
		for _, role := range []domain.ModelRole{domain.RoleSupervised, domain.RoleAnomaly} {
			data, err := h.registry.Store().ReadCurrent(role)
			if err != nil {
				continue
			}
			env, err := model.UnmarshalEnvelope(data)
			if err != nil {
				continue
			}
			models = append(models, ModelStatus{
				Kind:      env.Kind,
				Algorithm: env.Algorithm,
				Version:   env.Version,
			})
		}
	}
	if len(models) < 2 {
		state = "degraded"
	}

	resp := map[string]any{
		"status":  state,
		"version": h.version,
		"models":  models,
	}
	if h.scorer != nil {
		if snap := h.scorer.Snapshot(); snap != nil {
			resp["active_version"] = snap.Version
			resp["loaded_at"] = snap.LoadedAt.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
