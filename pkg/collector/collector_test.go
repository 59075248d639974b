package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lampwatch/lampwatch/pkg/identity"
	"github.com/lampwatch/lampwatch/pkg/lamp"
	"github.com/lampwatch/lampwatch/pkg/lamp/lamptest"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/storage"
	"github.com/lampwatch/lampwatch/pkg/storage/storagemock"
	"github.com/lampwatch/lampwatch/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const testTS = 1700000000000

type fixture struct {
	fake   *lamptest.Server
	client *lamp.Client
	store  *storage.CSVStore
	root   string
	c      *Collector
}

func newFixture(t *testing.T, points map[string]string) *fixture {
	t.Helper()
	fake := lamptest.NewServer("user", "pass")
	t.Cleanup(fake.Close)

	client := lamp.NewClient(fake.URL, fake.Client())
	client.SetCredentials("user", "pass")

	root := t.TempDir()
	store := storage.NewCSVStore(root, identity.New(points))
	return &fixture{
		fake:   fake,
		client: client,
		store:  store,
		root:   root,
		c:      New(client, store),
	}
}

func countRows(t *testing.T, root string) int {
	t.Helper()
	var rows int
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
		rows += len(lines) - 1
		return nil
	})
	require.NoError(t, err)
	return rows
}

func TestFetchDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("success sends one heartbeat", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{SolarPanelPower: 12.5, LEDPower: 3.2, Timestamp: testTS, BatteryPercent: 87})

		require.NoError(t, f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1"))
		assert.Equal(t, []string{"deviceStatus:DEV1", "updateStatus:DEV1"}, f.fake.Log("DEV1"))

		b, err := os.ReadFile(filepath.Join(f.root, "2023", "11", "2023-11-P01.csv"))
		require.NoError(t, err)
		assert.Equal(t,
			"device_serial,solar_panel_power,led_power,timestamp,battery_percent\n"+
				"DEV1,12.5,3.2,2023-11-15 06:13:20,87\n",
			string(b),
		)
	})

	t.Run("heartbeat after every failed attempt", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.SetFailStatus("DEV1", 10)

		err := f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1")
		var fetchErr *lamp.FetchError
		require.ErrorAs(t, err, &fetchErr)

		assert.Equal(t, []string{
			"deviceStatus:DEV1", "updateStatus:DEV1",
			"deviceStatus:DEV1", "updateStatus:DEV1",
			"deviceStatus:DEV1", "updateStatus:DEV1",
			"deviceStatus:DEV1", "updateStatus:DEV1",
		}, f.fake.Log("DEV1"))
		assert.Equal(t, 0, countRows(t, f.root))
	})

	t.Run("recovers on a later attempt", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.SetFailStatus("DEV1", 2)

		require.NoError(t, f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1"))
		assert.Equal(t, 3, f.fake.Calls("deviceStatus:DEV1"))
		assert.Equal(t, 3, f.fake.Calls("updateStatus:DEV1"))
		assert.Equal(t, 1, countRows(t, f.root))
	})

	t.Run("heartbeat failure is not fatal", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.FailHeartbeat["DEV1"] = true

		require.NoError(t, f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1"))
		assert.Equal(t, 1, f.fake.Calls("updateStatus:DEV1"), "heartbeats are never retried")
		assert.Equal(t, 1, countRows(t, f.root))
	})

	t.Run("unmapped serial is not retried", func(t *testing.T) {
		f := newFixture(t, map[string]string{})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})

		err := f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1")
		var storageErr *storage.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.ErrorIs(t, err, identity.ErrUnmapped)
		assert.Equal(t, 1, f.fake.Calls("deviceStatus:DEV1"))
		assert.Equal(t, 1, f.fake.Calls("updateStatus:DEV1"))

		entries, err := os.ReadDir(f.root)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("stale token exhausts the device's own budget", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})

		err := f.c.FetchDevice(ctx, lamp.NewSession("stale"), "DEV1")
		require.Error(t, err)
		assert.Equal(t, 4, f.fake.Calls("deviceStatus:DEV1"))
		assert.Equal(t, 4, f.fake.Calls("updateStatus:DEV1"))
		assert.Equal(t, 0, f.fake.Calls("accessToken"), "no re-auth mid cycle")
	})

	t.Run("transient store failure is retried", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})

		db := &storagemock.MockDatabase{}
		db.On("Store", mock.Anything, mock.Anything).Return(&storage.StorageError{Serial: "DEV1", Err: errors.New("disk full")}).Once()
		db.On("Store", mock.Anything, mock.MatchedBy(func(r types.Record) bool {
			return r.DeviceSerial == "DEV1"
		})).Return(nil).Once()
		c := New(f.client, db)

		require.NoError(t, c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1"))
		db.AssertNumberOfCalls(t, "Store", 2)
		assert.Equal(t, 2, f.fake.Calls("updateStatus:DEV1"))
	})

	t.Run("invalid record is not retried", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})

		db := &storagemock.MockDatabase{}
		db.On("Store", mock.Anything, mock.Anything).Return(&storage.StorageError{
			Serial: "DEV1",
			Err:    fmt.Errorf("%w: non-finite reading", storage.ErrInvalidRecord),
		})
		c := New(f.client, db)

		err := c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1")
		assert.ErrorIs(t, err, storage.ErrInvalidRecord)
		db.AssertNumberOfCalls(t, "Store", 1)
		assert.Equal(t, 1, f.fake.Calls("updateStatus:DEV1"))
	})

	t.Run("out of range timestamp never reaches disk", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: -1})

		err := f.c.FetchDevice(ctx, lamp.NewSession(f.fake.Token), "DEV1")
		var fetchErr *lamp.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, 4, f.fake.Calls("updateStatus:DEV1"))

		entries, err := os.ReadDir(f.root)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("heartbeat fires after cancellation", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := f.c.FetchDevice(cctx, lamp.NewSession(f.fake.Token), "DEV1")
		require.Error(t, err)
		assert.Equal(t, 0, f.fake.Calls("deviceStatus:DEV1"))
		assert.Equal(t, 1, f.fake.Calls("updateStatus:DEV1"))
	})
}

func TestCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("failing devices do not affect siblings", func(t *testing.T) {
		points := map[string]string{}
		f := newFixture(t, points)
		const n, m = 10, 3
		mapping := map[string]string{}
		for i := 0; i < n; i++ {
			serial := "DEV" + string(rune('A'+i))
			mapping[serial] = "P" + string(rune('A'+i))
			f.fake.AddDevice(serial, lamptest.Status{Timestamp: testTS, BatteryPercent: float64(i)})
			if i < m {
				f.fake.SetFailStatus(serial, 100)
			}
		}
		f.store = storage.NewCSVStore(f.root, identity.New(mapping))
		f.c = New(f.client, f.store)

		sum, err := f.c.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, sum.Devices)
		assert.Equal(t, n-m, sum.Stored)
		assert.Equal(t, m, sum.Failed)
		assert.Equal(t, KindCollect, sum.Kind)
		assert.NotEmpty(t, sum.CycleID)
		assert.False(t, sum.Finished.Before(sum.Started))
		assert.Equal(t, n-m, countRows(t, f.root))

		for i := 0; i < m; i++ {
			serial := "DEV" + string(rune('A'+i))
			assert.Equal(t, 4, f.fake.Calls("deviceStatus:"+serial))
			assert.Equal(t, 4, f.fake.Calls("updateStatus:"+serial))
		}

		last, ok := f.c.Last(KindCollect)
		require.True(t, ok)
		assert.Equal(t, sum, last)
	})

	t.Run("bounded concurrency", func(t *testing.T) {
		f := newFixture(t, map[string]string{"A": "P1", "B": "P2", "C": "P3"})
		for _, s := range []string{"A", "B", "C"} {
			f.fake.AddDevice(s, lamptest.Status{Timestamp: testTS})
		}
		f.c.SetConcurrency(1)

		sum, err := f.c.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Stored)
	})

	t.Run("list retried with re-auth then succeeds", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.SetFailList(2)

		sum, err := f.c.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Stored)
		assert.Equal(t, 3, f.fake.Calls("deviceList"))
		assert.Equal(t, 3, f.fake.Calls("accessToken"))
	})

	t.Run("list fails three times", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.SetFailList(3)

		sum, err := f.c.Cycle(ctx)
		var dirErr *lamp.DirectoryError
		require.ErrorAs(t, err, &dirErr)
		assert.NotEmpty(t, sum.Error)
		assert.Equal(t, 3, f.fake.Calls("deviceList"))
		assert.Equal(t, 0, f.fake.Calls("deviceStatus"))
	})

	t.Run("empty session counts as a failed login", func(t *testing.T) {
		api := &emptySessionAPI{}
		c := New(api, &storagemock.MockDatabase{})

		sum, err := c.Cycle(ctx)
		require.Error(t, err)
		assert.Equal(t, 3, api.logins)
		assert.Equal(t, 0, api.lists, "never lists with an empty token")
		assert.Equal(t, 0, sum.Devices)
	})

	t.Run("auth failure skips the cycle", func(t *testing.T) {
		f := newFixture(t, map[string]string{"DEV1": "P01"})
		f.fake.AddDevice("DEV1", lamptest.Status{Timestamp: testTS})
		f.fake.SetFailAuth(3)

		_, err := f.c.Cycle(ctx)
		var authErr *lamp.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, 0, f.fake.Calls("deviceList"))
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"A": "P1"})
	f.fake.AddDevice("A", lamptest.Status{Timestamp: testTS})
	f.fake.AddDevice("B", lamptest.Status{Timestamp: testTS})

	sum, err := f.c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindSweep, sum.Kind)
	assert.Equal(t, 2, sum.Devices)
	assert.Equal(t, 1, f.fake.Calls("updateStatus:A"))
	assert.Equal(t, 1, f.fake.Calls("updateStatus:B"))
	assert.Equal(t, 0, f.fake.Calls("deviceStatus"), "a sweep never fetches telemetry")
	assert.Equal(t, 0, countRows(t, f.root))

	_, ok := f.c.Last(KindSweep)
	assert.True(t, ok)
	_, ok = f.c.Last(KindCollect)
	assert.False(t, ok)
}

func TestHeartbeatTimeout(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "P1"})
	f.c.heartbeatTimeout = time.Nanosecond
	// an expired heartbeat is only logged
	f.c.heartbeat(context.Background(), lamp.NewSession(f.fake.Token), "A")
}

type emptySessionAPI struct {
	logins int
	lists  int
}

func (a *emptySessionAPI) Login(ctx context.Context) (lamp.Session, error) {
	a.logins++
	return lamp.Session{}, nil
}

func (a *emptySessionAPI) ListDevices(ctx context.Context, s lamp.Session) ([]types.Device, error) {
	a.lists++
	return nil, nil
}

func (a *emptySessionAPI) DeviceStatus(ctx context.Context, s lamp.Session, serial string) (types.Record, error) {
	return types.Record{}, errors.New("unexpected")
}

func (a *emptySessionAPI) UpdateStatus(ctx context.Context, s lamp.Session, serial string) error {
	return nil
}
