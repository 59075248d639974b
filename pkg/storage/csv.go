package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/types"
)

var header = []string{"device_serial", "solar_panel_power", "led_power", "timestamp", "battery_percent"}

// CSVStore files records into root/YYYY/MM/YYYY-MM-<point>.csv. Rows are
// only ever appended; the same record stored twice yields two rows.
type CSVStore struct {
	root   string
	points PointResolver

	mu    sync.Mutex
	locks map[string]*pathLock
}

var _ Database = (*CSVStore)(nil)

// NewCSVStore returns a store rooted at root.
func NewCSVStore(root string, points PointResolver) *CSVStore {
	return &CSVStore{
		root:   root,
		points: points,
	}
}

// Root returns the data directory.
func (s *CSVStore) Root() string {
	return s.root
}

// pathLock serialises access to one partition file. refs counts the
// goroutines holding or waiting on it.
type pathLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the caller owns path. The entry is dropped again by
// unlock once nobody holds or waits on it, so locks only ever holds paths in
// use.
func (s *CSVStore) lock(path string) *pathLock {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*pathLock)
	}
	l, ok := s.locks[path]
	if !ok {
		l = &pathLock{}
		s.locks[path] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return l
}

func (s *CSVStore) unlock(path string, l *pathLock) {
	l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, path)
	}
}

// heldLocks returns how many paths currently have a lock entry.
func (s *CSVStore) heldLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Store appends rec to the partition file for its point code and reporting
// zone month. The header is written only when the file is empty.
func (s *CSVStore) Store(ctx context.Context, rec types.Record) error {
	if rec.DeviceSerial == "" {
		return &StorageError{Err: fmt.Errorf("%w: empty serial", ErrInvalidRecord)}
	}
	if rec.Timestamp.IsZero() {
		return &StorageError{Serial: rec.DeviceSerial, Err: fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)}
	}
	if !types.ValidYear(rec.Timestamp) {
		return &StorageError{Serial: rec.DeviceSerial, Err: fmt.Errorf("%w: timestamp %s out of range", ErrInvalidRecord, rec.Timestamp)}
	}
	for _, v := range []float64{rec.SolarPanelPower, rec.LEDPower, rec.BatteryPercent} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &StorageError{Serial: rec.DeviceSerial, Err: fmt.Errorf("%w: non-finite reading", ErrInvalidRecord)}
		}
	}
	point, err := s.points.PointCode(rec.DeviceSerial)
	if err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}

	p := types.PartitionFor(rec.Timestamp, point)
	path := p.Path(s.root)

	l := s.lock(path)
	defer s.unlock(path, l)

	if err := os.MkdirAll(p.Dir(s.root), 0o755); err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}

	// build the whole write first so a row is a single append
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			return &StorageError{Serial: rec.DeviceSerial, Err: err}
		}
	}
	if err := w.Write([]string{
		rec.DeviceSerial,
		formatFloat(rec.SolarPanelPower),
		formatFloat(rec.LEDPower),
		rec.ReportingTime().Format(types.ReportingLayout),
		formatFloat(rec.BatteryPercent),
	}); err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Serial: rec.DeviceSerial, Err: err}
	}

	log.Ctx(ctx).DebugContext(ctx, "stored record",
		slog.String("serial", rec.DeviceSerial),
		slog.String("point", point),
		slog.String("path", path),
	)
	return nil
}

// monthsBetween returns the first day of every reporting zone month touched
// by [start, end].
func monthsBetween(start, end time.Time) []time.Time {
	start = start.In(types.ReportingZone)
	end = end.In(types.ReportingZone)
	var months []time.Time
	m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, types.ReportingZone)
	for !m.After(end) {
		months = append(months, m)
		m = m.AddDate(0, 1, 0)
	}
	return months
}

// Query reads the partition files of every month between q.Start and q.End
// and returns the rows inside that window.
func (s *CSVStore) Query(ctx context.Context, q Query) ([]Row, error) {
	if q.End.Before(q.Start) {
		return nil, fmt.Errorf("end %s is before start %s", q.End, q.Start)
	}

	var rows []Row
	for _, m := range monthsBetween(q.Start, q.End) {
		dir := filepath.Join(s.root, m.Format("2006"), m.Format("01"))
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		prefix := m.Format("2006-01") + "-"
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".csv") || !strings.HasPrefix(name, prefix) {
				continue
			}
			point := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv")
			if q.PointCode != "" && point != q.PointCode {
				continue
			}
			fileRows, err := s.readFile(ctx, filepath.Join(dir, name), point)
			if err != nil {
				return nil, err
			}
			for _, r := range fileRows {
				if r.Timestamp.Before(q.Start) || r.Timestamp.After(q.End) {
					continue
				}
				rows = append(rows, r)
			}
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	return rows, nil
}

func (s *CSVStore) readFile(ctx context.Context, path, point string) ([]Row, error) {
	// appends hold this lock, so we never read half a row
	l := s.lock(path)
	defer s.unlock(path, l)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseRows(ctx, f, path, point)
}

func parseRows(ctx context.Context, r io.Reader, path, point string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	head, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	idx := make(map[string]int, len(head))
	for i, h := range head {
		idx[h] = i
	}
	for _, h := range header {
		if _, ok := idx[h]; !ok {
			return nil, fmt.Errorf("%s: missing column %s", path, h)
		}
	}

	var rows []Row
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		row, err := parseRow(rec, idx, point)
		if err != nil {
			line, _ := reader.FieldPos(0)
			log.Ctx(ctx).WarnContext(ctx, "skipping unreadable row", slog.String("path", path), slog.Int("line", line), slog.Any("error", err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(rec []string, idx map[string]int, point string) (Row, error) {
	get := func(col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return rec[i]
	}
	num := func(col string) (float64, error) {
		v := get(col)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseFloat(v, 64)
	}

	ts, err := time.ParseInLocation(types.ReportingLayout, get("timestamp"), types.ReportingZone)
	if err != nil {
		return Row{}, err
	}
	solar, err := num("solar_panel_power")
	if err != nil {
		return Row{}, err
	}
	led, err := num("led_power")
	if err != nil {
		return Row{}, err
	}
	battery, err := num("battery_percent")
	if err != nil {
		return Row{}, err
	}
	return Row{
		PointCode: point,
		Record: types.Record{
			DeviceSerial:    get("device_serial"),
			SolarPanelPower: solar,
			LEDPower:        led,
			BatteryPercent:  battery,
			Timestamp:       ts,
		},
	}, nil
}
