package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLister struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newFakeLister() *fakeLister {
	return &fakeLister{data: map[string]map[string][]byte{
		tabletPrefix:     {},
		blobServerPrefix: {},
	}}
}

func (f *fakeLister) List(prefix string) map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.data[prefix]))
	for k, v := range f.data[prefix] {
		out[k] = v
	}
	return out
}

func (f *fakeLister) set(prefix, endpoint string, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if present {
		f.data[prefix][prefix+endpoint] = []byte("1")
	} else {
		delete(f.data[prefix], prefix+endpoint)
	}
}

func TestWatcherFirstPollWithoutPriorEntryFiresNoOffline(t *testing.T) {
	lister := newFakeLister()
	lister.set(tabletPrefix, "tablet-1", true)

	var mu sync.Mutex
	var gotStartup bool
	var called bool

	w := New(lister, time.Hour, Callbacks{
		OnTabletOffline: func(endpoint string, startup bool) {
			mu.Lock()
			defer mu.Unlock()
			called = true
			gotStartup = startup
		},
	})

	// tablet-1 is present from the start, so no offline fires; instead
	// exercise the startup path by removing it before the first poll.
	lister.set(tabletPrefix, "tablet-1", false)
	w.poll(true)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called, "no prior registry entry means no offline transition on first poll")
	_ = gotStartup
}

func TestWatcherDetectsTabletOnline(t *testing.T) {
	lister := newFakeLister()
	var online []string

	w := New(lister, time.Hour, Callbacks{
		OnTabletOnline: func(endpoint string) {
			online = append(online, endpoint)
		},
	})

	w.poll(true) // empty baseline

	lister.set(tabletPrefix, "tablet-1", true)
	w.poll(false)

	assert.Equal(t, []string{"tablet-1"}, online)
	assert.Contains(t, w.Tablets(), "tablet-1")
}

func TestWatcherDetectsTabletOffline(t *testing.T) {
	lister := newFakeLister()
	lister.set(tabletPrefix, "tablet-1", true)

	var offlineCalls []string
	var startupFlags []bool

	w := New(lister, time.Hour, Callbacks{
		OnTabletOffline: func(endpoint string, startup bool) {
			offlineCalls = append(offlineCalls, endpoint)
			startupFlags = append(startupFlags, startup)
		},
	})

	w.poll(true) // establishes tablet-1 as known

	lister.set(tabletPrefix, "tablet-1", false)
	w.poll(false)

	assert.Equal(t, []string{"tablet-1"}, offlineCalls)
	assert.Equal(t, []bool{false}, startupFlags)
	assert.NotContains(t, w.Tablets(), "tablet-1")
}

func TestWatcherBlobServersAreIndependentOfTablets(t *testing.T) {
	lister := newFakeLister()
	var tabletEvents, blobEvents int

	w := New(lister, time.Hour, Callbacks{
		OnTabletOnline: func(string) { tabletEvents++ },
		OnBlobOnline:   func(string) { blobEvents++ },
	})

	w.poll(true)

	lister.set(blobServerPrefix, "blob-1", true)
	w.poll(false)

	assert.Equal(t, 0, tabletEvents)
	assert.Equal(t, 1, blobEvents)
	assert.Contains(t, w.BlobServers(), "blob-1")
	assert.NotContains(t, w.Tablets(), "blob-1")
}
