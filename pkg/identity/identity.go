// Package identity maps device serials to the point codes used to file
// their telemetry.
package identity

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/levenlabs/go-lflag"
)

const (
	serialColumn = "device_id"
	pointColumn  = "point_number"
)

// ErrUnmapped is returned when a serial has no point code.
var ErrUnmapped = errors.New("device serial has no point code")

// Map is an immutable serial to point code mapping. The zero value is an
// empty map.
type Map struct {
	points map[string]string
}

// New returns a Map holding a copy of the given serial to point code pairs.
func New(points map[string]string) Map {
	m := Map{points: make(map[string]string, len(points))}
	for k, v := range points {
		m.points[k] = v
	}
	return m
}

// Configured registers the --identity-map flag and loads the file once flags
// are parsed. A missing or invalid file is fatal.
func Configured() *Map {
	path := lflag.String("identity-map", "./config/device_id_map.csv", "CSV file mapping device_id to point_number")

	m := &Map{}
	lflag.Do(func() {
		loaded, err := Load(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load identity map: %v", err))
		}
		*m = loaded
	})
	return m
}

// Load reads a CSV file with a header containing device_id and point_number.
func Load(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return Map{}, fmt.Errorf("opening identity map: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return Map{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// Parse reads the identity map CSV from r.
func Parse(r io.Reader) (Map, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Map{}, errors.New("missing header")
		}
		return Map{}, err
	}
	serialIdx, pointIdx := -1, -1
	for i, h := range header {
		// spreadsheets like to prefix a BOM
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case serialColumn:
			serialIdx = i
		case pointColumn:
			pointIdx = i
		}
	}
	if serialIdx < 0 || pointIdx < 0 {
		return Map{}, fmt.Errorf("header must contain %s and %s columns", serialColumn, pointColumn)
	}

	m := Map{points: make(map[string]string)}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Map{}, err
		}
		if len(row) <= serialIdx || len(row) <= pointIdx {
			line, _ := reader.FieldPos(0)
			return Map{}, fmt.Errorf("line %d: too few columns", line)
		}
		serial := strings.TrimSpace(row[serialIdx])
		point := strings.TrimSpace(row[pointIdx])
		if serial == "" {
			continue
		}
		if _, ok := m.points[serial]; ok {
			line, _ := reader.FieldPos(0)
			return Map{}, fmt.Errorf("line %d: duplicate %s %q", line, serialColumn, serial)
		}
		m.points[serial] = point
	}
	return m, nil
}

// PointCode returns the point code for serial or ErrUnmapped.
func (m Map) PointCode(serial string) (string, error) {
	p, ok := m.points[serial]
	if !ok || p == "" {
		return "", fmt.Errorf("%w: %s", ErrUnmapped, serial)
	}
	return p, nil
}

// Len returns the number of mapped serials.
func (m Map) Len() int {
	return len(m.points)
}

// Serials returns every mapped serial in no particular order.
func (m Map) Serials() []string {
	out := make([]string, 0, len(m.points))
	for s := range m.points {
		out = append(out, s)
	}
	return out
}
