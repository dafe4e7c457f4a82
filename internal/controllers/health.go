package controllers

import "net/http"

// getHealthz reports the state of the service's two hard dependencies. The
// endpoint is wired as both the liveness and readiness probe.
func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := s.optionsStore.Ping(r.Context()); err != nil {
		s.log.Error(err, "database health check failed")
		dbStatus = "not_available"
	}
	kafkaStatus := "ok"
	if err := s.events.Healthy(); err != nil {
		s.log.Error(err, "message bus health check failed")
		kafkaStatus = "not_available"
	}
	status := http.StatusOK
	if dbStatus != "ok" || kafkaStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"db_status":    dbStatus,
		"kafka_status": kafkaStatus,
	})
}
