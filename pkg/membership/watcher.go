// Package membership implements the name server's membership watcher
// (component C2): it polls the coordination client's tablets/ and
// blob_servers/ node prefixes on a fixed interval, diffs the observed
// child set against its own in-memory registry, and fires typed
// online/offline callbacks per endpoint. The first diff after Start is
// marked as a startup delta so the reconciler can suppress reactive OPs
// for endpoints that are already expected to be offline from persisted
// state.
package membership

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/nscoord/pkg/log"
)

const (
	tabletPrefix     = "tablets/"
	blobServerPrefix = "blob_servers/"
)

// Lister is the subset of the coordination client the watcher needs: a
// way to list the live children under a key prefix. Defined locally to
// avoid importing pkg/coord directly and to keep the watcher testable
// against a fake.
type Lister interface {
	List(prefix string) map[string][]byte
}

// Callbacks groups the reactive handlers fired on membership transitions.
// startup is true only for the very first evaluation after Start.
type Callbacks struct {
	OnTabletOnline  func(endpoint string)
	OnTabletOffline func(endpoint string, startup bool)
	OnBlobOnline    func(endpoint string)
	OnBlobOffline   func(endpoint string, startup bool)
}

// Watcher polls the coordination store's tablets/ and blob_servers/
// prefixes and reacts to child-set changes.
type Watcher struct {
	coord    Lister
	interval time.Duration
	cb       Callbacks

	mu          sync.Mutex
	tablets     map[string]struct{}
	blobServers map[string]struct{}
	started     bool

	stopCh chan struct{}
}

// New creates a membership watcher. interval defaults to 1s when zero.
func New(coord Lister, interval time.Duration, cb Callbacks) *Watcher {
	if interval == 0 {
		interval = time.Second
	}
	return &Watcher{
		coord:       coord,
		interval:    interval,
		cb:          cb,
		tablets:     make(map[string]struct{}),
		blobServers: make(map[string]struct{}),
	}
}

// Start begins polling in the background. The first poll is evaluated
// with startup=true.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	go func() {
		w.poll(true)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.poll(false)
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop halts polling.
func (w *Watcher) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
}

func (w *Watcher) poll(startup bool) {
	w.diff(tabletPrefix, &w.tablets, startup, w.cb.OnTabletOnline, w.cb.OnTabletOffline)
	w.diff(blobServerPrefix, &w.blobServers, startup, w.cb.OnBlobOnline, w.cb.OnBlobOffline)
}

func (w *Watcher) diff(
	prefix string,
	registry *map[string]struct{},
	startup bool,
	onOnline func(endpoint string),
	onOffline func(endpoint string, startup bool),
) {
	children := w.coord.List(prefix)
	current := make(map[string]struct{}, len(children))
	for k := range children {
		endpoint := strings.TrimPrefix(k, prefix)
		current[endpoint] = struct{}{}
	}

	w.mu.Lock()
	prev := *registry
	*registry = current
	w.mu.Unlock()

	for endpoint := range current {
		if _, existed := prev[endpoint]; !existed {
			log.Logger.Info().Str("endpoint", endpoint).Str("prefix", prefix).Msg("membership: endpoint online")
			if onOnline != nil {
				onOnline(endpoint)
			}
		}
	}
	for endpoint := range prev {
		if _, stillThere := current[endpoint]; !stillThere {
			log.Logger.Warn().Str("endpoint", endpoint).Str("prefix", prefix).Msg("membership: endpoint offline")
			if onOffline != nil {
				onOffline(endpoint, startup)
			}
		}
	}
}

// Tablets returns the currently known live tablet endpoints.
func (w *Watcher) Tablets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tablets))
	for e := range w.tablets {
		out = append(out, e)
	}
	return out
}

// BlobServers returns the currently known live blob server endpoints.
func (w *Watcher) BlobServers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.blobServers))
	for e := range w.blobServers {
		out = append(out, e)
	}
	return out
}
