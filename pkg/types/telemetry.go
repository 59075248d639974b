package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"
)

// ReportingZone is the fixed UTC+8 zone that every record is bucketed into,
// independent of the collector's local timezone.
var ReportingZone = time.FixedZone("UTC+8", 8*60*60)

// ReportingLayout is how timestamps are written to and read from the
// partition files.
const ReportingLayout = "2006-01-02 15:04:05"

// Device is a single lamp as returned by the device list endpoint.
type Device struct {
	Serial string `json:"serial"`
}

// Record is one telemetry sample for a device.
type Record struct {
	DeviceSerial    string    `json:"deviceSerial"`
	SolarPanelPower float64   `json:"solarPanelPower"`
	LEDPower        float64   `json:"ledPower"`
	BatteryPercent  float64   `json:"batteryPercent"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReportingTime returns the record's timestamp in the reporting zone.
func (r Record) ReportingTime() time.Time {
	return r.Timestamp.In(ReportingZone)
}

// Partition identifies the file a record is appended to.
type Partition struct {
	Year      int
	Month     time.Month
	PointCode string
}

// PartitionFor returns the partition for a record timestamp and point code.
func PartitionFor(t time.Time, pointCode string) Partition {
	t = t.In(ReportingZone)
	return Partition{
		Year:      t.Year(),
		Month:     t.Month(),
		PointCode: pointCode,
	}
}

// Dir returns the month directory under root that holds the partition.
func (p Partition) Dir(root string) string {
	return filepath.Join(root, fmt.Sprintf("%04d", p.Year), fmt.Sprintf("%02d", int(p.Month)))
}

// Path returns root/YYYY/MM/YYYY-MM-<point>.csv.
func (p Partition) Path(root string) string {
	name := fmt.Sprintf("%04d-%02d-%s.csv", p.Year, int(p.Month), p.PointCode)
	return filepath.Join(p.Dir(root), name)
}

// Bounds for decoded timestamps, from the unix epoch up to the end of year
// 9999 in the reporting zone.
var (
	minEpochMillis = int64(0)
	maxEpochMillis = time.Date(10000, 1, 1, 0, 0, 0, 0, ReportingZone).UnixMilli() - 1
)

// ValidYear reports whether t falls in a year that a partition path can hold.
func ValidYear(t time.Time) bool {
	y := t.In(ReportingZone).Year()
	return y >= 0 && y <= 9999
}

// EpochMillis is a timestamp sent as milliseconds since the unix epoch. The
// API sends it either as a JSON number or as a numeric string.
type EpochMillis time.Time

// UnmarshalJSON implements json.Unmarshaler.
func (e *EpochMillis) UnmarshalJSON(b []byte) error {
	n, err := parseNumeric(b)
	if err != nil {
		return fmt.Errorf("invalid epoch milliseconds %s: %w", b, err)
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("invalid epoch milliseconds %s: %w", b, err)
		}
		// checked before converting, int64(f) is undefined out of range
		if math.IsNaN(f) || f < float64(minEpochMillis) || f > float64(maxEpochMillis) {
			return fmt.Errorf("epoch milliseconds %s out of range", b)
		}
		ms = int64(f)
	}
	if ms < minEpochMillis || ms > maxEpochMillis {
		return fmt.Errorf("epoch milliseconds %s out of range", b)
	}
	*e = EpochMillis(time.UnixMilli(ms))
	return nil
}

// Time returns the timestamp as a time.Time in UTC.
func (e EpochMillis) Time() time.Time {
	return time.Time(e).UTC()
}

// Float is a number the API may send either as a JSON number or a string.
type Float float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := parseNumeric(b)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	v, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid number %s: not finite", b)
	}
	*f = Float(v)
	return nil
}

func parseNumeric(b []byte) (json.Number, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return "", err
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", err
		}
		return json.Number(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", err
	}
	return n, nil
}
