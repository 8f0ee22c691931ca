package drain

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

func (o *Orchestrator) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(o.Status())
}

func (o *Orchestrator) getConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := o.store.Get(Bucket, o.configID(), &cfg); err != nil {
		cfg = o.config
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (o *Orchestrator) configID() string {
	if o.config.ID == "" {
		return "default"
	}
	return o.config.ID
}

func (o *Orchestrator) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := o.Runs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func (o *Orchestrator) logList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(o.Logs())
}

func (o *Orchestrator) postInterrupt(w http.ResponseWriter, r *http.Request) {
	o.Interrupt()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(o.Status())
}

func (o *Orchestrator) postRefill(w http.ResponseWriter, r *http.Request) {
	if interrupted, _ := o.flags(); interrupted {
		http.Error(w, "drain cycle is shutting down", http.StatusConflict)
		return
	}
	o.RequestRefill()
	w.WriteHeader(http.StatusNoContent)
}

// authorize guards h with HTTP basic auth when a password hash is configured.
func (o *Orchestrator) authorize(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if o.config.PasswordHash == "" {
			h(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != o.config.Username ||
			bcrypt.CompareHashAndPassword([]byte(o.config.PasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="autofoss"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}
