package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/auth"
	"ipguard/internal/metrics"
	"ipguard/internal/support"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func describeLogin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "POST username and password to obtain an admin token",
	})
}

// loginAdmin accepts form or JSON credentials and issues an admin token for
// the configured ADMIN_USERNAME and ADMIN_PASSWORD.
func loginAdmin(w http.ResponseWriter, r *http.Request) {
	creds, ok := readCredentials(r)
	if !ok || creds.Username == "" || creds.Password == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Missing credentials")
		return
	}

	if !validAdminCredentials(creds) {
		writeStatus(w, http.StatusUnauthorized, "error", "Invalid credentials")
		return
	}

	token, err := auth.GenerateJWT(creds.Username, auth.RoleAdmin)
	if err != nil {
		log.Error("failed to generate token", "error", err)
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Login successful",
		"token":   token,
		"role":    auth.RoleAdmin,
	})
}

func readCredentials(r *http.Request) (credentials, bool) {
	var creds credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			return credentials{}, false
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return credentials{}, false
		}
		creds.Username = r.PostFormValue("username")
		creds.Password = r.PostFormValue("password")
	}
	creds.Username = strings.TrimSpace(creds.Username)
	return creds, true
}

// validAdminCredentials prefers the bcrypt hash in ADMIN_PASSWORD_HASH over
// the plain ADMIN_PASSWORD.
func validAdminCredentials(creds credentials) bool {
	username := support.GetEnv("ADMIN_USERNAME", "admin")
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(username)) == 1

	if hash := support.GetEnv("ADMIN_PASSWORD_HASH", ""); hash != "" {
		return auth.CheckPasswordHash(creds.Password, hash) && userOK
	}

	password := support.GetEnv("ADMIN_PASSWORD", "")
	if password == "" {
		log.Warn("ADMIN_PASSWORD not set, admin login disabled")
		return false
	}
	passOK := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(password)) == 1
	return userOK && passOK
}

func apiEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "success", "API response")
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
