package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	gatewaypkg "github.com/antigravityproxy/gateway"
	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/anthropic"
	"github.com/antigravityproxy/gateway/pkg/gateway"
	"github.com/antigravityproxy/gateway/pkg/routing"
	"github.com/antigravityproxy/gateway/pkg/upstream"
)

// maxBodyBytes bounds the request body read; the largest legal payload is
// an image block near the 10 MB base64 limit.
const maxBodyBytes = 64 * 1024 * 1024

// cloudModels is the advertised Cloud-Code model list. Aliased and local
// models are appended at request time.
var cloudModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-5",
	"claude-haiku-4-5",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-3-pro-preview",
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		return
	}

	if err := anthropic.ScanBody(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Request body is not a valid messages request")
		return
	}

	if mapped := routing.ApplyMapping(req.Model, s.cfg.ModelMapping()); mapped != req.Model {
		slog.Info("model alias applied", "from", req.Model, "to", mapped)
		req.Model = mapped
	}

	route := routing.Classify(req.Model)
	if route == routing.RouteUnknown {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("Model %q is not allowed", req.Model))
		return
	}

	if err := anthropic.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	backend := s.cloud
	if route == routing.RouteLocal {
		backend = s.local
	}

	result, err := backend.Dispatch(r.Context(), &req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	if result.Events != nil {
		streamSSE(w, r, result.Events)
		return
	}
	writeJSON(w, http.StatusOK, result.Message)
}

// writeDispatchError maps internal failures onto the wire taxonomy. Pool
// exhaustion deliberately returns HTTP 400 so clients stop retrying while
// quotas recover.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var localErr *gateway.Error
	if errors.As(err, &localErr) {
		writeError(w, http.StatusBadGateway, "api_error", localErr.Message)
		return
	}

	var dispErr *upstream.Error
	if errors.As(err, &dispErr) {
		switch dispErr.Kind {
		case upstream.KindInvalidRequest, upstream.KindExhausted:
			writeError(w, http.StatusBadRequest, "invalid_request_error", dispErr.Message)
		case upstream.KindAuthentication:
			writeError(w, http.StatusUnauthorized, "authentication_error", dispErr.Message)
		case upstream.KindPermission:
			writeError(w, http.StatusForbidden, "permission_error", dispErr.Message)
		default:
			writeError(w, http.StatusServiceUnavailable, "overloaded_error", dispErr.Message)
		}
		return
	}

	slog.Error("unclassified dispatch failure", "error", err)
	writeError(w, http.StatusInternalServerError, "api_error", "Internal error")
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not_implemented", "Token counting is not implemented")
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := append([]string(nil), cloudModels...)
	for alias := range s.cfg.ModelMapping() {
		ids = append(ids, alias)
	}
	sort.Strings(ids)

	type model struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
	}
	data := make([]model, 0, len(ids))
	for _, id := range ids {
		data = append(data, model{ID: id, Type: "model", DisplayName: id})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     data,
		"has_more": false,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.pool.Snapshot()
	healthy := 0
	for _, status := range statuses {
		if status.Enabled && !status.IsInvalid {
			healthy++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  gatewaypkg.Version,
		"healthy":  healthy,
		"total":    len(statuses),
		"accounts": statuses,
	})
}

func (s *Server) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	statuses := s.pool.Snapshot()

	if r.URL.Query().Get("format") == "table" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		renderLimitsTable(w, statuses)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": statuses,
	})
}

func renderLimitsTable(w io.Writer, statuses []accounts.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tMODEL\tLIMITED\tRESETS IN")
	now := time.Now().UnixMilli()
	for _, status := range statuses {
		if len(status.RateLimits) == 0 {
			fmt.Fprintf(tw, "%s\t-\tno\t-\n", status.DisplayName)
			continue
		}
		models := make([]string, 0, len(status.RateLimits))
		for model := range status.RateLimits {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			limit := status.RateLimits[model]
			resets := "-"
			if limit.IsRateLimited && limit.ResetEpochMs > now {
				resets = (time.Duration(limit.ResetEpochMs-now) * time.Millisecond).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				status.DisplayName, model, yesNo(limit.IsRateLimited), resets)
		}
	}
	tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshed, err := s.tokens.ForceRefreshAll(r.Context(), s.pool.Accounts())
	resp := map[string]interface{}{
		"refreshed": refreshed,
	}
	if err != nil {
		resp["error"] = "one or more refreshes failed"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.APIError{Type: errType, Message: strings.TrimSpace(message)},
	})
}
