package drivecache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/datastore/memory"
	"github.com/m-rots/drivecache/drivetest"
)

const (
	sourceRoot      = "src"
	destinationRoot = "dst"
)

type mockClock struct {
	mu         sync.Mutex
	now        time.Time
	calledWith []time.Duration
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Sleep advances the clock instead of sleeping.
func (c *mockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	c.calledWith = append(c.calledWith, d)
}

type fixture struct {
	cache *drivecache.Cache
	drive *drivetest.Drive
	store ds.Store
	clock *mockClock
}

func setupTest(t *testing.T, opts ...drivecache.Option) *fixture {
	t.Helper()
	return setupRemote(t, nil, opts...)
}

// setupRemote is setupTest with the fake Drive wrapped by wrap.
func setupRemote(t *testing.T, wrap func(*drivetest.Drive) drivecache.Remote, opts ...drivecache.Option) *fixture {
	t.Helper()

	clock := &mockClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))

	drive := drivetest.New()
	drive.SetClock(clock.Now)
	drive.AddFolder(sourceRoot, "Source", "")
	drive.AddFolder(destinationRoot, "Destination", "")

	defaults := []drivecache.Option{
		drivecache.WithClock(clock.Now),
		drivecache.WithSleep(clock.Sleep),
		drivecache.WithSourceRoot(sourceRoot),
		drivecache.WithDestinationRoot(destinationRoot),
	}

	var remote drivecache.Remote = drive
	if wrap != nil {
		remote = wrap(drive)
	}

	cache := drivecache.New(remote, store, append(defaults, opts...)...)

	return &fixture{
		cache: cache,
		drive: drive,
		store: store,
		clock: clock,
	}
}

// hierarchy adds src/2024/Q1/Acme and returns the chain.
func (f *fixture) hierarchy() []ds.Item {
	return []ds.Item{
		f.drive.AddFolder("L1", "2024", sourceRoot),
		f.drive.AddFolder("L2", "Q1", "L1"),
		f.drive.AddFolder("L3", "Acme", "L2"),
	}
}

func (f *fixture) queued(t *testing.T) int {
	t.Helper()

	entries, err := f.store.Scan(context.Background(), "queue/")
	if err != nil {
		t.Fatal(err)
	}

	return len(entries)
}

// gatedDrive takes the first listing of folderID and then holds it until release is closed.
type gatedDrive struct {
	*drivetest.Drive

	folderID string
	listed   chan struct{}
	release  chan struct{}
	once     sync.Once
}

func gate(folderID string) (*gatedDrive, func(*drivetest.Drive) drivecache.Remote) {
	g := &gatedDrive{
		folderID: folderID,
		listed:   make(chan struct{}),
		release:  make(chan struct{}),
	}

	return g, func(d *drivetest.Drive) drivecache.Remote {
		g.Drive = d
		return g
	}
}

func (g *gatedDrive) ListChildren(ctx context.Context, folderID string) ([]ds.Item, error) {
	items, err := g.Drive.ListChildren(ctx, folderID)
	if folderID != g.folderID {
		return items, err
	}

	first := false
	g.once.Do(func() { first = true })

	if first {
		close(g.listed)
		<-g.release
	}

	return items, err
}

func names(items []ds.Item) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.Name)
	}

	return out
}

func ids(items []ds.Item) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.ID)
	}

	return out
}
