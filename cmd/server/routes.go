package main

import (
	"fmt"
	"net/http"
)

// setupRoutes registers all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Root endpoint
	mux.HandleFunc("/", s.handleRoot)

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/health/metrics", s.handleMetrics)

	// Catalog endpoints
	mux.HandleFunc("/api/tracks", s.handleTracks)
	mux.HandleFunc("/api/tracks/", s.handleTrack)
	mux.HandleFunc("/api/stations", s.handleStations)
	mux.HandleFunc("/api/stations/", s.handleStation)

	// Matching and monitoring
	mux.HandleFunc("/api/match", s.handleMatch)
	mux.HandleFunc("/api/sessions", s.handleSessions)

	// Settlement
	mux.HandleFunc("/api/plays", s.handlePlays)
	mux.HandleFunc("/api/aggregate", s.handleAggregate)
	mux.HandleFunc("/api/retries", s.handleRetries)
	mux.HandleFunc("/api/rates", s.handleRates)
	mux.HandleFunc("/api/accounts/", s.handleAccount)

	// Wrap with CORS middleware
	return corsMiddleware(s.config.AllowedOrigins)(mux)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				allowed = true
			} else {
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			// Handle preflight requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	handler := s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.log.Infof("🚀 Royalty server starting on %s", addr)
	s.log.Infof("   Database: %s", s.config.DBPath)
	s.log.Infof("   Sample Rate: %d Hz", s.config.SampleRate)
	s.log.Infof("   CORS Origins: %v", s.config.AllowedOrigins)
	s.log.Infof("\nEndpoints:")
	s.log.Infof("   GET    /health                          - Health check")
	s.log.Infof("   GET    /api/health/metrics              - Server metrics")
	s.log.Infof("   GET    /api/tracks                      - List tracks")
	s.log.Infof("   POST   /api/tracks                      - Register track from audio file")
	s.log.Infof("   GET    /api/tracks/{id}                 - Get track by ID")
	s.log.Infof("   DELETE /api/tracks/{id}                 - Delete track by ID")
	s.log.Infof("   GET    /api/stations                    - List stations")
	s.log.Infof("   POST   /api/stations                    - Register station")
	s.log.Infof("   POST   /api/stations/{id}/monitor       - Start monitoring the station stream")
	s.log.Infof("   DELETE /api/stations/{id}/monitor       - Stop monitoring")
	s.log.Infof("   GET    /api/stations/{id}/matches       - Recent matches of a live session")
	s.log.Infof("   GET    /api/sessions                    - List monitoring sessions")
	s.log.Infof("   POST   /api/match                       - Identify an uploaded clip")
	s.log.Infof("   GET    /api/plays                       - List settled plays")
	s.log.Infof("   POST   /api/aggregate                   - Run one aggregation pass")
	s.log.Infof("   POST   /api/retries                     - Replay failed settlements")
	s.log.Infof("   PUT    /api/rates                       - Set a royalty rate")
	s.log.Infof("   POST   /api/accounts/{owner}/deposit    - Credit an account")
	s.log.Infof("   GET    /api/accounts/{owner}/balance    - Account balance")
	s.log.Infof("   GET    /api/accounts/{owner}/transactions - Ledger history")

	return http.ListenAndServe(addr, handler)
}
