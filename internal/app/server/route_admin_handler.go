package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"ipguard/internal/blocklist"
	"ipguard/internal/jobs/maintenance"
	"ipguard/internal/jobs/runtime"
)

type adminHandlers struct {
	deps Dependencies
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// writeServiceError maps block list errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, blocklist.ErrInvalidIP):
		writeError(w, "Invalid IP address", http.StatusBadRequest)
	case errors.Is(err, blocklist.ErrNotFound):
		writeError(w, "Not found", http.StatusNotFound)
	default:
		log.Error("admin operation failed", "error", err)
		writeError(w, "Failed to query database", http.StatusInternalServerError)
	}
}

func (h adminHandlers) listBlocks(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.deps.Blocklist.ListBlocked(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (h adminHandlers) blockIP(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	entry, err := h.deps.Blocklist.Block(r.Context(), req.IP, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h adminHandlers) unblockIP(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Blocklist.Unblock(r.Context(), r.PathValue("ip")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h adminHandlers) listSuspicious(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "Invalid active filter", http.StatusBadRequest)
			return
		}
		activeOnly = parsed
	}

	entries, err := h.deps.Blocklist.ListSuspicious(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h adminHandlers) deactivateSuspicious(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Blocklist.Deactivate(r.Context(), r.PathValue("ip")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h adminHandlers) runAnomalySweep(w http.ResponseWriter, r *http.Request) {
	report, ran, err := runtime.RunAnomalySweep(r.Context(), h.deps.Detector)
	if !ran && err == nil {
		writeError(w, "Anomaly sweep already running", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error("manual anomaly sweep failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "Anomaly sweep failed",
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": report.String(),
		"report":  report,
	})
}

func (h adminHandlers) runRetentionSweep(w http.ResponseWriter, r *http.Request) {
	deleted, ran, err := maintenance.RunSuspiciousCleanup(r.Context(), h.deps.Purger)
	if !ran && err == nil {
		writeError(w, "Retention sweep already running", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error("manual retention sweep failed", "error", err)
		writeError(w, "Retention sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Cleaned up " + strconv.FormatInt(deleted, 10) + " old suspicious IP records",
		"deleted": deleted,
	})
}

func (h adminHandlers) refreshFeeds(w http.ResponseWriter, r *http.Request) {
	outcome, ran, err := runtime.RunFeedRefresh(r.Context(), h.deps.Feeds)
	if !ran && err == nil {
		writeError(w, "Feed refresh already running", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error("manual feed refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Feed refresh failed",
			"outcome": outcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h adminHandlers) status(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"instance": runtime.InstanceID(),
		"redis":    h.deps.Redis != nil,
	}

	if h.deps.Redis != nil {
		instances, err := runtime.ActiveInstances(r.Context(), h.deps.Redis)
		if err != nil {
			log.Warn("failed to list active instances", "error", err)
		} else {
			payload["active_instances"] = instances
		}
	}

	if h.deps.Records != nil {
		count, err := h.deps.Records.CountRequestRecords(r.Context())
		if err != nil {
			log.Warn("failed to count request records", "error", err)
		} else {
			payload["request_records"] = count
		}
	}

	writeJSON(w, http.StatusOK, payload)
}
