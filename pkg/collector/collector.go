// Package collector polls every lamp once per cycle and files the telemetry.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lampwatch/lampwatch/pkg/identity"
	"github.com/lampwatch/lampwatch/pkg/lamp"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/retry"
	"github.com/lampwatch/lampwatch/pkg/storage"
	"github.com/lampwatch/lampwatch/pkg/types"
)

// API is the subset of the lamp client the collector needs.
type API interface {
	Login(ctx context.Context) (lamp.Session, error)
	ListDevices(ctx context.Context, s lamp.Session) ([]types.Device, error)
	DeviceStatus(ctx context.Context, s lamp.Session, serial string) (types.Record, error)
	UpdateStatus(ctx context.Context, s lamp.Session, serial string) error
}

var _ API = (*lamp.Client)(nil)

// Kind says what a cycle did.
type Kind string

const (
	// KindSweep only sends heartbeats.
	KindSweep Kind = "sweep"
	// KindCollect fetches and stores telemetry.
	KindCollect Kind = "collect"
)

// Summary describes one finished cycle.
type Summary struct {
	CycleID  string    `json:"cycleID"`
	Kind     Kind      `json:"kind"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Devices  int       `json:"devices"`
	Stored   int       `json:"stored"`
	Failed   int       `json:"failed"`
	Error    string    `json:"error,omitempty"`
}

// Collector runs sweeps and collection cycles against the lamp API.
type Collector struct {
	api   API
	store storage.Database

	directoryPolicy  retry.Policy
	fetchPolicy      retry.Policy
	concurrency      int
	heartbeatTimeout time.Duration

	mu   sync.Mutex
	last map[Kind]Summary
}

// New returns a collector with the default retry budgets: 3 directory
// attempts and 4 fetch attempts per device.
func New(api API, store storage.Database) *Collector {
	return &Collector{
		api:              api,
		store:            store,
		directoryPolicy:  retry.Policy{Attempts: 3},
		fetchPolicy:      retry.Policy{Attempts: 4},
		heartbeatTimeout: 30 * time.Second,
		last:             make(map[Kind]Summary),
	}
}

// SetConcurrency bounds how many devices are fetched at once. Zero or less
// means no bound.
func (c *Collector) SetConcurrency(n int) {
	c.concurrency = n
}

// SetPolicies overrides the retry policies for listing and fetching.
func (c *Collector) SetPolicies(directory, fetch retry.Policy) {
	c.directoryPolicy = directory
	c.fetchPolicy = fetch
}

// Last returns the most recent summary of the given kind.
func (c *Collector) Last(kind Kind) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.last[kind]
	return s, ok
}

func (c *Collector) record(s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[s.Kind] = s
}

func newCycle(ctx context.Context, kind Kind) (context.Context, Summary) {
	s := Summary{
		CycleID: uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
	}
	ctx = log.WithAttrs(ctx, slog.String("cycleID", s.CycleID), slog.String("kind", string(kind)))
	return ctx, s
}

func (c *Collector) finish(ctx context.Context, s Summary, err error) (Summary, error) {
	s.Finished = time.Now()
	if err != nil {
		s.Error = err.Error()
	}
	c.record(s)
	cyclesTotal.WithLabelValues(string(s.Kind), result(err)).Inc()
	cycleDuration.WithLabelValues(string(s.Kind)).Observe(s.Finished.Sub(s.Started).Seconds())
	log.Ctx(ctx).InfoContext(ctx, "cycle finished",
		slog.Int("devices", s.Devices),
		slog.Int("stored", s.Stored),
		slog.Int("failed", s.Failed),
		slog.Duration("took", s.Finished.Sub(s.Started)),
	)
	return s, err
}

// directory logs in and lists devices, retrying both together.
func (c *Collector) directory(ctx context.Context) (lamp.Session, []types.Device, error) {
	var (
		session lamp.Session
		devices []types.Device
	)
	attempts, err := retry.Do(ctx, c.directoryPolicy, func(ctx context.Context, attempt int) error {
		s, err := c.api.Login(ctx)
		if err == nil && !s.Valid() {
			err = errors.New("login returned an empty session")
		}
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to authenticate", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		d, err := c.api.ListDevices(ctx, s)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list devices", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		session, devices = s, d
		return nil
	}, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "giving up on device list", slog.Int("attempts", attempts), slog.Any("error", err))
		return lamp.Session{}, nil, fmt.Errorf("device list unavailable after %d attempts: %w", attempts, err)
	}
	return session, devices, nil
}

// heartbeat calls UpdateStatus for serial. It still fires when ctx was
// cancelled so an attempt is never left without its heartbeat.
func (c *Collector) heartbeat(ctx context.Context, s lamp.Session, serial string) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.heartbeatTimeout)
	defer cancel()
	err := c.api.UpdateStatus(hctx, s, serial)
	heartbeatsTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "heartbeat failed", slog.String("serial", serial), slog.Any("error", err))
	}
}

// Sweep sends one heartbeat for every listed device without fetching
// telemetry.
func (c *Collector) Sweep(ctx context.Context) (Summary, error) {
	ctx, sum := newCycle(ctx, KindSweep)
	log.Ctx(ctx).InfoContext(ctx, "updating all device statuses")

	session, devices, err := c.directory(ctx)
	if err != nil {
		return c.finish(ctx, sum, err)
	}
	sum.Devices = len(devices)
	for _, d := range devices {
		if ctx.Err() != nil {
			return c.finish(ctx, sum, ctx.Err())
		}
		c.heartbeat(ctx, session, d.Serial)
	}
	return c.finish(ctx, sum, nil)
}

// Cycle lists every device and fetches them concurrently. It returns once
// every device has finished. Individual device failures are only counted in
// the summary; the returned error is set when the device list was
// unavailable.
func (c *Collector) Cycle(ctx context.Context) (Summary, error) {
	ctx, sum := newCycle(ctx, KindCollect)
	log.Ctx(ctx).InfoContext(ctx, "collecting device status")

	session, devices, err := c.directory(ctx)
	if err != nil {
		return c.finish(ctx, sum, err)
	}
	sum.Devices = len(devices)

	var (
		mu     sync.Mutex
		stored int
		failed int
	)
	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for _, d := range devices {
		d := d
		g.Go(func() error {
			err := c.FetchDevice(ctx, session, d.Serial)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			} else {
				stored++
			}
			// never fail the group, siblings must keep running
			return nil
		})
	}
	_ = g.Wait()

	sum.Stored = stored
	sum.Failed = failed
	return c.finish(ctx, sum, nil)
}

// FetchDevice fetches serial's telemetry and stores it, retrying per the
// fetch policy. Every attempt is followed by exactly one heartbeat, whatever
// its outcome.
func (c *Collector) FetchDevice(ctx context.Context, s lamp.Session, serial string) error {
	ctx = log.WithAttrs(ctx, slog.String("serial", serial))

	attempts, err := retry.Do(ctx, c.fetchPolicy, func(ctx context.Context, attempt int) error {
		rec, err := c.api.DeviceStatus(ctx, s, serial)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch device status", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		if err := c.store.Store(ctx, rec); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store record", slog.Int("attempt", attempt), slog.Any("error", err))
			// retrying cannot map a serial or fix the record
			if errors.Is(err, identity.ErrUnmapped) || errors.Is(err, storage.ErrInvalidRecord) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	}, func(ctx context.Context, attempt int, err error) {
		c.heartbeat(ctx, s, serial)
	})
	devicesTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "giving up on device",
			slog.Int("attempts", attempts),
			slog.Duration("tokenAge", time.Since(s.IssuedAt())),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
