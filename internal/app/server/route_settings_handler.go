package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
	"ipguard/internal/jobs/runtime"
)

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

// saveSettings replaces the global configuration. Rate limit policies are
// validated here but only take effect after a restart.
func saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		log.Error("Error decoding request body", "error", err)
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := config.Validate(newConfig); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	newConfig.Detection.SensitivePaths = config.NormalizeSensitivePaths(newConfig.Detection.SensitivePaths)

	if err := config.SetConfig(newConfig); err != nil {
		writeError(w, "Failed to save configuration", http.StatusInternalServerError)
		return
	}

	if strings.TrimSpace(newConfig.GeoLite.APIKey) != "" {
		go func() {
			if err := runtime.RunGeoLiteUpdate(context.Background(), "config-save", true); err != nil {
				log.Warn("GeoLite update after settings save failed", "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Configuration updated successfully"})
}
