package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

type classifyRequest struct {
	IncidentID string   `json:"incident_id"`
	Service    string   `json:"service"`
	EventCount int      `json:"event_count"`
	Messages   []string `json:"messages"`
}

type classifyResponse struct {
	Category           string   `json:"category"`
	Severity           string   `json:"severity"`
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/classify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, verdict(req))
	})

	logger := log.New(log.Writer(), "classifier-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// verdict picks a canned classification from the message contents so
// local runs exercise distinct categories.
func verdict(req classifyRequest) classifyResponse {
	joined := strings.ToLower(strings.Join(req.Messages, "\n"))
	switch {
	case strings.Contains(joined, "connection refused"), strings.Contains(joined, "connection reset"):
		return classifyResponse{
			Category:           "database_connectivity",
			Severity:           "P1",
			Summary:            "connections to a backing store are failing",
			RecommendedActions: []string{"check_database_health", "review_connection_pool_limits"},
		}
	case strings.Contains(joined, "timeout"):
		return classifyResponse{
			Category:           "upstream_latency",
			Severity:           "P2",
			Summary:            "calls to an upstream dependency are timing out",
			RecommendedActions: []string{"check_upstream_dependencies", "review_timeout_budgets"},
		}
	case req.EventCount >= 50:
		return classifyResponse{
			Category:           "event_storm",
			Severity:           "P1",
			Summary:            "high event volume on " + req.Service,
			RecommendedActions: []string{"review_recent_deployments"},
		}
	default:
		return classifyResponse{
			Category:           "application_error",
			Severity:           "P3",
			Summary:            "errors reported by " + req.Service,
			RecommendedActions: []string{"review_recent_deployments", "inspect_error_logs"},
		}
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
