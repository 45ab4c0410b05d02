package admission

import (
	"errors"
	"net/http"

	"ipguard/internal/identity"
	"ipguard/internal/pipeline"
)

// Stage runs the gate as the first pipeline step.
type Stage struct {
	Gate *Gate
}

func (Stage) Name() string {
	return "admission"
}

func (s Stage) Evaluate(r *http.Request, id identity.ClientIdentity) pipeline.Result {
	decision, err := s.Gate.Admit(r.Context(), id.IP)
	if err != nil && !errors.Is(err, ErrBlocked) {
		logLookupFailure(id.IP, err, decision)
	}
	if decision.Allowed {
		return pipeline.Next()
	}

	status := decision.Status
	return pipeline.Result{
		Outcome: pipeline.Reject,
		Reason:  decision.Reason,
		Respond: func(w http.ResponseWriter) {
			if status == http.StatusForbidden {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(BlockedMessage))
				return
			}
			http.Error(w, http.StatusText(status), status)
		},
	}
}
