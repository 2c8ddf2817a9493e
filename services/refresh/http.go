package refresh

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HTTP surface consumed by the CRUD layer. Identity arrives in
// X-User-Email: real authentication terminates upstream and the header
// is trusted inside the deployment boundary.

func (s Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/refresh/{entityId}", s.handleRefresh)
	r.Post("/refresh-all", s.handleRefreshAll)
	r.Post("/validate-service", s.handleValidateService)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Warn("failed to encode response body", "err", err)
	}
}

func identityFrom(r *http.Request) (string, bool) {
	identity := r.Header.Get("X-User-Email")
	return identity, identity != ""
}

func (s Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		writeJson(w, http.StatusUnauthorized, errorResponse{Error: "Missing identity"})
		return
	}
	entityId := chi.URLParam(r, "entityId")

	result, err := s.Refresh(r.Context(), identity, entityId)
	if err != nil {
		s.writeRefreshError(w, err)
		return
	}

	s.setQuotaHeaders(w, r, identity, result.Kind)
	writeJson(w, http.StatusOK, result)
}

func (s Service) writeRefreshError(w http.ResponseWriter, err error) {
	var cooldown CooldownActiveError
	var quota QuotaExceededError

	switch {
	case errors.Is(err, ErrEntityNotFound):
		writeJson(w, http.StatusNotFound, errorResponse{Error: "No such entity"})
	case errors.Is(err, ErrAlreadyRefreshing):
		writeJson(w, http.StatusConflict, errorResponse{Error: "Already refreshing"})
	case errors.As(err, &cooldown):
		writeJson(w, http.StatusTooManyRequests, errorResponse{
			Error: fmt.Sprintf("Please wait %ds", cooldown.RemainingSeconds()),
		})
	case errors.As(err, &quota):
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(quota.ResetAt.Unix(), 10))
		writeJson(w, http.StatusTooManyRequests, errorResponse{
			Error: "Rate limit exceeded. Try again tomorrow.",
		})
	default:
		// scrape-time failure: the upstream site, not this service
		writeJson(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (s Service) setQuotaHeaders(w http.ResponseWriter, r *http.Request, identity string, kind Kind) {
	state, err := s.QuotaState(r.Context(), identity, kind)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to read quota state", "identity", identity, "err", err)
		return
	}
	if !state.Limited {
		return
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(state.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(state.ResetAt.Unix(), 10))
}

type refreshAllRequest struct {
	BatchSize int `json:"batchSize"`
}

type refreshAllResponse struct {
	Results []BatchItem `json:"results"`
}

func (s Service) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		writeJson(w, http.StatusUnauthorized, errorResponse{Error: "Missing identity"})
		return
	}

	// an empty body means default batch size
	var req refreshAllRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJson(w, http.StatusBadRequest, errorResponse{Error: "Malformed request body"})
		return
	}

	results, err := s.RefreshAll(r.Context(), identity, req.BatchSize)
	if err != nil {
		writeJson(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if results == nil {
		results = []BatchItem{}
	}
	writeJson(w, http.StatusOK, refreshAllResponse{Results: results})
}

type validateServiceRequest struct {
	ServiceNumber string `json:"serviceNumber"`
}

type validateServiceResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s Service) handleValidateService(w http.ResponseWriter, r *http.Request) {
	var req validateServiceRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.ServiceNumber == "" {
		writeJson(w, http.StatusBadRequest, errorResponse{Error: "Missing serviceNumber"})
		return
	}

	status, err := s.ValidateService(r.Context(), req.ServiceNumber)
	res := validateServiceResponse{Status: string(status)}
	if err != nil {
		res.Error = err.Error()
	}

	// a gateway verdict is the provider failing, not the request
	code := http.StatusOK
	if err != nil {
		code = http.StatusBadGateway
	}
	writeJson(w, code, res)
}
