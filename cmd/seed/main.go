package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/lampwatch/lampwatch/pkg/identity"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/storage"
	"github.com/lampwatch/lampwatch/pkg/types"
)

const (
	solarPeakW = 120.0
	ledW       = 30.0
	dayDrainW  = 2.0
	batteryWh  = 600.0
)

func main() {
	ids := identity.Configured()
	store := storage.Configured(ids)
	date := lflag.String("seed-date", "", "Reporting-zone day to generate (YYYY-MM-DD), defaults to today")
	step := lflag.Duration("seed-step", 5*time.Minute, "Interval between generated samples")
	lflag.Configure()

	if err := log.ConfigureFromLLog(); err != nil {
		panic(err)
	}
	ctx := context.Background()

	day, err := seedDay(*date, time.Now())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid seed date", slog.Any("error", err))
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding mock telemetry",
		slog.String("day", day.Format("2006-01-02")),
		slog.Int("devices", ids.Len()),
	)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var written int
	for _, serial := range ids.Serials() {
		for _, rec := range simulateDay(rng, serial, day, *step) {
			if err := store.Store(ctx, rec); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to store record",
					slog.String("serial", serial),
					slog.Any("error", err),
				)
				os.Exit(1)
			}
			written++
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete", slog.Int("records", written))
}

// seedDay returns midnight of the requested day in the reporting zone.
func seedDay(v string, now time.Time) (time.Time, error) {
	if v == "" {
		n := now.In(types.ReportingZone)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, types.ReportingZone), nil
	}
	d, err := time.ParseInLocation("2006-01-02", v, types.ReportingZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", v, err)
	}
	return d, nil
}

// simulateDay produces one record per step: solar follows a bell curve
// around 13:00, the LED runs from 18:00 to 06:00 and the battery integrates
// the difference.
func simulateDay(rng *rand.Rand, serial string, day time.Time, step time.Duration) []types.Record {
	if step <= 0 {
		step = 5 * time.Minute
	}
	soc := 40 + rng.Float64()*40
	hours := step.Hours()

	var recs []types.Record
	for t := day; t.Before(day.Add(24 * time.Hour)); t = t.Add(step) {
		h := float64(t.Hour()) + float64(t.Minute())/60

		solar := 0.0
		if h > 6 && h < 19 {
			dist := h - 13
			solar = solarPeakW * math.Exp(-(dist*dist)/8)
			// passing clouds
			solar *= 0.8 + rng.Float64()*0.2
		}

		led := 0.0
		if h >= 18 || h < 6 {
			led = ledW * (0.9 + rng.Float64()*0.1)
		}

		soc += (solar - led - dayDrainW) * hours / batteryWh * 100
		soc = math.Max(0, math.Min(100, soc))

		recs = append(recs, types.Record{
			DeviceSerial:    serial,
			SolarPanelPower: round(solar, 2),
			LEDPower:        round(led, 2),
			BatteryPercent:  round(soc, 1),
			Timestamp:       t,
		})
	}
	return recs
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
