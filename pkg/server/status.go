package server

import (
	"net/http"
	"time"

	"github.com/lampwatch/lampwatch/pkg/collector"
	"github.com/lampwatch/lampwatch/pkg/common"
	"github.com/lampwatch/lampwatch/pkg/scheduler"
)

type statusResponse struct {
	Version   string             `json:"version"`
	Started   time.Time          `json:"started"`
	State     scheduler.State    `json:"state"`
	Cycles    int                `json:"cycles"`
	Deadline  *time.Time         `json:"deadline,omitempty"`
	LastSweep *collector.Summary `json:"lastSweep,omitempty"`
	LastCycle *collector.Summary `json:"lastCycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{
		Version: common.Version(),
		Started: s.started,
		State:   s.scheduler.State(),
		Cycles:  s.scheduler.Cycles(),
	}
	if d := s.scheduler.Deadline(); !d.IsZero() {
		res.Deadline = &d
	}
	if sum, ok := s.cycles.Last(collector.KindSweep); ok {
		res.LastSweep = &sum
	}
	if sum, ok := s.cycles.Last(collector.KindCollect); ok {
		res.LastCycle = &sum
	}
	writeJSON(w, res)
}
