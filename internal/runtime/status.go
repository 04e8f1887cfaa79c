package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
)

const statusPath = "/status"

// Stats returns a point-in-time view of the lane.
func (s *Service) Stats() ServiceStats {
	out := ServiceStats{
		Lane:  s.lane,
		Topic: s.topic,
	}
	if s.batch != nil {
		out.OwnedPartitions = s.batch.Owned()
		out.Buffered = s.batch.Stats()
	}
	if s.stats != nil {
		s.stats.fill(&out)
	}
	if s.scheduler != nil {
		out.SideEffects = SideEffectStats{Pending: s.scheduler.Pending(), Failed: s.scheduler.Failed()}
	}
	if s.restrictions != nil {
		if rules := s.restrictions.Rules(); rules != nil {
			out.DynamicRestrictions = rules.DynamicCount()
		}
	}
	out.Resource = s.resources.Snapshot()
	return out
}

// StatusHandler serves Stats as JSON.
func (s *Service) StatusHandler() http.Handler {
	return http.HandlerFunc(s.handleStatus)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if origin := r.Header.Get("Origin"); origin != "" {
		if allowed := s.allowedCORSOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.Stats()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.Metrics.StatusCORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
