package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/session"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store        *memory.Store
	retriever    *memory.Retriever
	orchestrator *session.Orchestrator
	decay        memory.DecayConfig
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewHandler creates a new API handler. m may be nil.
func NewHandler(
	store *memory.Store,
	retriever *memory.Retriever,
	orchestrator *session.Orchestrator,
	decay memory.DecayConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:        store,
		retriever:    retriever,
		orchestrator: orchestrator,
		decay:        decay,
		metrics:      m,
		logger:       logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/turns", h.processTurn)
		r.Get("/users/{owner}/turns", h.listTurns)

		r.Post("/memories", h.addMemory)
		r.Post("/memories/search", h.searchMemories)
		r.Get("/memories/{owner}", h.listMemories)
		r.Delete("/memories/{owner}", h.clearMemories)
		r.Get("/memories/{owner}/stats", h.memoryStats)
		r.Get("/memories/{owner}/{id}", h.getMemory)
		r.Delete("/memories/{owner}/{id}", h.deleteMemory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	active := 0
	if reg := h.orchestrator.Sessions(); reg != nil {
		active = reg.Active()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"backend":         h.store.BackendName(),
		"dimension":       h.store.Dimension(),
		"active_sessions": active,
	})
}

func (h *Handler) processTurn(w http.ResponseWriter, r *http.Request) {
	var req session.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.orchestrator.ProcessTurn(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, m := range res.MemoriesUsed {
		m.Record = h.view(m.Record).Record
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.orchestrator.History(r.Context(), chi.URLParam(r, "owner"), queryInt(r, "limit", 20))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []*memory.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

type addMemoryRequest struct {
	ID         string   `json:"id,omitempty"`
	OwnerID    string   `json:"owner_id"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Importance *float64 `json:"importance,omitempty"`
	SourceTurn int      `json:"source_turn,omitempty"`
}

func (h *Handler) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cat, err := memory.ParseCategory(req.Category)
	if err != nil {
		h.writeError(w, err)
		return
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}
	rec, err := memory.NewRecord(req.OwnerID, req.Content, cat, importance)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec.ID = req.ID
	rec.SourceTurn = req.SourceTurn

	if _, err := h.store.Add(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(rec))
}

type searchRequest struct {
	OwnerID       string   `json:"owner_id"`
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	Categories    []string `json:"categories,omitempty"`
	MinImportance float64  `json:"min_importance,omitempty"`
	Raw           bool     `json:"raw,omitempty"` // similarity order from the store, no re-ranking
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cats := make([]memory.Category, 0, len(req.Categories))
	for _, c := range req.Categories {
		cat, err := memory.ParseCategory(c)
		if err != nil {
			h.writeError(w, err)
			return
		}
		cats = append(cats, cat)
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	var (
		results []*memory.ScoredRecord
		err     error
	)
	if req.Raw {
		results, err = h.store.Search(r.Context(), req.Query, req.OwnerID, memory.SearchOptions{
			TopK: req.TopK, Categories: cats, MinImportance: req.MinImportance,
		})
	} else {
		results, err = h.retriever.Retrieve(r.Context(), req.Query, req.OwnerID, req.TopK, cats...)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]scoredView, len(results))
	for i, res := range results {
		out[i] = scoredView{recordView: h.view(res.Record), Similarity: res.Similarity, Score: res.Score}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListByOwner(r.Context(), chi.URLParam(r, "owner"), queryInt(r, "limit", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]recordView, len(recs))
	for i, rec := range recs {
		out[i] = h.view(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	deleted, err := h.store.Delete(r.Context(), rec.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !deleted {
		h.writeError(w, memory.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "id": rec.ID})
}

func (h *Handler) clearMemories(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Clear(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "deleted": n})
}

// ownedRecord loads {id} and hides records that belong to another owner.
func (h *Handler) ownedRecord(r *http.Request) (*memory.Record, error) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != chi.URLParam(r, "owner") {
		return nil, memory.ErrNotFound
	}
	return rec, nil
}

type recordView struct {
	*memory.Record
	CurrentImportance float64 `json:"current_importance"`
}

type scoredView struct {
	recordView
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// view drops the embedding and adds the decayed importance.
func (h *Handler) view(rec *memory.Record) recordView {
	c := rec.Clone()
	c.Embedding = nil
	return recordView{Record: c, CurrentImportance: memory.CurrentImportance(rec, h.store.Now(), h.decay)}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrProviderUnavailable), errors.Is(err, memory.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
