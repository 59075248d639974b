package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/storage"
	"github.com/lampwatch/lampwatch/pkg/types"
)

// maxHistoryRange bounds how many months a single history request reads.
const maxHistoryRange = 366 * 24 * time.Hour

type historyResponse struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Rows  []storage.Row `json:"rows"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	point := r.URL.Query().Get("point")

	rows, err := s.storage.Query(ctx, storage.Query{Start: start, End: end, PointCode: point})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to query history", slog.String("point", point), slog.Any("error", err))
		writeJSONError(w, "failed to query history", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []storage.Row{}
	}

	// completed days never change again
	today := truncateDay(time.Now().In(types.ReportingZone))
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	writeJSON(w, historyResponse{Start: start, End: end, Rows: rows})
}

// parseTimeRange reads start and end in the reporting zone layout. Either
// may be omitted: the default window is the whole of now's day.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	day := truncateDay(now.In(types.ReportingZone))
	start := day
	end := day.Add(24*time.Hour - time.Second)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.ParseInLocation(types.ReportingLayout, v, types.ReportingZone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.ParseInLocation(types.ReportingLayout, v, types.ReportingZone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end is before start")
	}
	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("range longer than %s", maxHistoryRange)
	}
	return start, end, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
