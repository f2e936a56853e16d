package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/syncer"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Service is what the API needs from the run coordinator.
type Service interface {
	ListSources(ctx context.Context) ([]db.IntegrationSource, error)
	StartRun(ctx context.Context, code, mode string, opts ...syncer.RunOption) (string, error)
	GetRunStatus(ctx context.Context, code string) (*syncer.RunStatus, error)
	ListRecentRuns(ctx context.Context, code string, limit int) ([]db.SyncRun, error)
	RunErrors(ctx context.Context, runID string) ([]db.SyncError, error)
	ResetStatus(ctx context.Context, code string) error
	Reresolve(ctx context.Context, code string) (int, error)
	SetOverrides(ctx context.Context, itemCode, priceCode, stockCode string) error
}

const sourcesKey = "sources"

type Handler struct {
	svc   Service
	log   zerolog.Logger
	cache *cache.Cache // short-lived copy of the source list
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Meta    any  `json:"meta,omitempty"`
}

func ok(w http.ResponseWriter, r *http.Request, status int, data, meta any) {
	render.Status(r, status)
	render.JSON(w, r, response{Success: true, Data: data, Meta: meta})
}

func fail(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: kind, Code: status, Message: msg})
}

// failErr maps coordinator errors onto HTTP statuses.
func (h *Handler) failErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncer.ErrSourceUnknown),
		errors.Is(err, syncer.ErrRunUnknown),
		errors.Is(err, syncer.ErrItemUnknown):
		fail(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncer.ErrSourceBusy):
		fail(w, r, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, syncer.ErrSourceInactive):
		fail(w, r, http.StatusUnprocessableEntity, "inactive", err.Error())
	case errors.Is(err, syncer.ErrInvalidMode):
		fail(w, r, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		fail(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	if v, found := h.cache.Get(sourcesKey); found {
		ok(w, r, http.StatusOK, v, nil)
		return
	}
	srcs, err := h.svc.ListSources(r.Context())
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	out := make([]sourceView, 0, len(srcs))
	for i := range srcs {
		out = append(out, newSourceView(&srcs[i]))
	}
	h.cache.SetDefault(sourcesKey, out)
	ok(w, r, http.StatusOK, out, nil)
}

func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = db.ModeData
	}
	var opts []syncer.RunOption
	if skip, _ := strconv.ParseBool(r.URL.Query().Get("skip_media")); skip {
		opts = append(opts, syncer.SkipMedia())
	}

	runID, err := h.svc.StartRun(r.Context(), code, mode, opts...)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	h.cache.Delete(sourcesKey)
	ok(w, r, http.StatusAccepted, map[string]string{"run_id": runID, "source": code, "mode": mode}, nil)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetRunStatus(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	ok(w, r, http.StatusOK, newStatusView(st), nil)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		limit = 10
	}
	runs, err := h.svc.ListRecentRuns(r.Context(), chi.URLParam(r, "code"), limit)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for i := range runs {
		out = append(out, newRunView(&runs[i]))
	}
	ok(w, r, http.StatusOK, out, map[string]int{"limit": limit, "count": len(out)})
}

func (h *Handler) RunErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.svc.RunErrors(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	out := make([]errorView, 0, len(errs))
	for _, e := range errs {
		out = append(out, errorView{
			ItemCode:  e.ItemCode,
			Category:  e.Category,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		})
	}
	ok(w, r, http.StatusOK, out, map[string]int{"count": len(out)})
}

func (h *Handler) ResetStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.svc.ResetStatus(r.Context(), code); err != nil {
		h.failErr(w, r, err)
		return
	}
	h.cache.Delete(sourcesKey)
	ok(w, r, http.StatusOK, map[string]string{"source": code, "import_status": db.StatusIdle}, nil)
}

func (h *Handler) Reresolve(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	n, err := h.svc.Reresolve(r.Context(), code)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	ok(w, r, http.StatusOK, map[string]any{"source": code, "changed": n}, nil)
}

type overridesRequest struct {
	PriceCode string `json:"price_code"`
	StockCode string `json:"stock_code"`
}

func (h *Handler) SetOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	code := chi.URLParam(r, "code")
	if err := h.svc.SetOverrides(r.Context(), code, req.PriceCode, req.StockCode); err != nil {
		h.failErr(w, r, err)
		return
	}
	ok(w, r, http.StatusOK, map[string]string{
		"item":       code,
		"price_code": req.PriceCode,
		"stock_code": req.StockCode,
	}, nil)
}

type sourceView struct {
	Code              string     `json:"code"`
	Name              string     `json:"name"`
	Active            bool       `json:"active"`
	Visible           bool       `json:"visible"`
	AutoSync          bool       `json:"auto_sync"`
	ImportStatus      string     `json:"import_status"`
	LastImportStarted *time.Time `json:"last_import_started,omitempty"`
	LastImportDone    *time.Time `json:"last_import_done,omitempty"`
	NextDataSync      *time.Time `json:"next_data_sync,omitempty"`
	NextFullSync      *time.Time `json:"next_full_sync,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

func newSourceView(s *db.IntegrationSource) sourceView {
	return sourceView{
		Code:              s.Code,
		Name:              s.Name,
		Active:            s.Active,
		Visible:           s.Visible,
		AutoSync:          s.AutoSync,
		ImportStatus:      s.ImportStatus,
		LastImportStarted: s.LastImportStarted,
		LastImportDone:    s.LastImportDone,
		NextDataSync:      s.NextDataSync,
		NextFullSync:      s.NextFullSync,
		LastError:         s.LastError,
	}
}

type fileView struct {
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	Modified *time.Time `json:"modified,omitempty"`
	SHA256   string     `json:"sha256"`
}

type runView struct {
	RunID           string          `json:"run_id"`
	Mode            string          `json:"mode"`
	Status          string          `json:"status"`
	Total           int             `json:"total"`
	Processed       int             `json:"processed"`
	Created         int             `json:"created"`
	Updated         int             `json:"updated"`
	Failed          int             `json:"failed"`
	ErrorCount      int             `json:"error_count"`
	ProgressPercent float64         `json:"progress_percent"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	DurationMs      int64           `json:"duration_ms"`
	Message         string          `json:"message,omitempty"`
	ErrorDetails    string          `json:"error_details,omitempty"`
	SourceFile      *fileView       `json:"source_file,omitempty"`
	Audit           json.RawMessage `json:"audit,omitempty"`
}

func newRunView(run *db.SyncRun) runView {
	v := runView{
		RunID:           run.RunID,
		Mode:            run.Mode,
		Status:          run.Status,
		Total:           run.Total,
		Processed:       run.Processed,
		Created:         run.Created,
		Updated:         run.Updated,
		Failed:          run.Failed,
		ErrorCount:      run.ErrorCount,
		ProgressPercent: run.ProgressPercent(),
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		DurationMs:      run.DurationMs,
		Message:         run.Message,
		ErrorDetails:    run.ErrorDetails,
	}
	if run.SourceFilePath != "" {
		v.SourceFile = &fileView{
			Path:     run.SourceFilePath,
			Size:     run.SourceFileSize,
			Modified: run.SourceFileModified,
			SHA256:   run.SourceFileSHA256,
		}
	}
	if len(run.Audit) > 0 {
		v.Audit = json.RawMessage(run.Audit)
	}
	return v
}

type statusView struct {
	Source          string     `json:"source"`
	ImportStatus    string     `json:"import_status"`
	Syncing         bool       `json:"syncing"`
	ProgressPercent float64    `json:"progress_percent"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	LastDataSync    *time.Time `json:"last_data_sync,omitempty"`
	NextDataSync    *time.Time `json:"next_data_sync,omitempty"`
	LastFullSync    *time.Time `json:"last_full_sync,omitempty"`
	NextFullSync    *time.Time `json:"next_full_sync,omitempty"`
	Run             *runView   `json:"run,omitempty"`
}

func newStatusView(st *syncer.RunStatus) statusView {
	v := statusView{
		Source:          st.Source,
		ImportStatus:    st.ImportStatus,
		Syncing:         st.Syncing,
		ProgressPercent: st.ProgressPercent,
		LastError:       st.LastError,
		LastErrorAt:     st.LastErrorAt,
		LastDataSync:    st.LastDataSync,
		NextDataSync:    st.NextDataSync,
		LastFullSync:    st.LastFullSync,
		NextFullSync:    st.NextFullSync,
	}
	if st.Run != nil {
		rv := newRunView(st.Run)
		v.Run = &rv
	}
	return v
}

type errorView struct {
	ItemCode  string    `json:"item_code"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
