package web

import (
	"github.com/kozaktomas/face-pipeline/internal/transport"
	"github.com/kozaktomas/face-pipeline/internal/web/handlers"
)

func (s *Server) routeWorker(h *handlers.ProcessHandler) {
	s.router.Get(transport.HealthPath, h.Health)
	s.router.Post(transport.ProcessPath, h.Process)
}

func (s *Server) routeAggregator(h *handlers.AggregateHandler) {
	s.router.Get(transport.HealthPath, h.Health)
	s.router.Post(transport.AggregatePath, h.Aggregate)
}
