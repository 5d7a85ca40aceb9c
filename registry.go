package uagent

import (
	"slices"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/zycelium/uagent/topic"
)

type lifecycle int

const (
	onStart lifecycle = iota
	onStop
	onConnect
	onDisconnect
	lifecycleCount
)

func (l lifecycle) String() string {
	switch l {
	case onStart:
		return "start"
	case onStop:
		return "stop"
	case onConnect:
		return "connect"
	case onDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type lifecycleEntry struct {
	spec handlerSpec
	fn   LifecycleFunc
}

type eventEntry struct {
	spec handlerSpec
	fn   EventFunc
}

// intervalEntry is mutated in place by the scheduler; lastRun is only ever
// touched from the run loop.
type intervalEntry struct {
	spec    handlerSpec
	fn      IntervalFunc
	every   time.Duration
	lastRun time.Time
}

func (e *intervalEntry) due(now time.Time) bool {
	return e.lastRun.IsZero() || now.Sub(e.lastRun) >= e.every
}

type errorEntry struct {
	spec handlerSpec
	fn   ErrorFunc
}

type route struct {
	pattern  string
	handlers []eventEntry
}

// registry stores handlers in registration order. The lock only protects
// registration racing with the run loop; handlers always run unlocked on
// snapshots, so they may register further handlers.
type registry struct {
	mu        sync.Mutex
	lifecycle [lifecycleCount][]lifecycleEntry
	events    *orderedmap.OrderedMap[string, []eventEntry]
	intervals []*intervalEntry
	errors    []errorEntry
}

func newRegistry() *registry {
	return &registry{
		events: orderedmap.New[string, []eventEntry](),
	}
}

func (r *registry) addLifecycle(kind lifecycle, e lifecycleEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycle[kind] = append(r.lifecycle[kind], e)
}

func (r *registry) lifecycleHandlers(kind lifecycle) []lifecycleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lifecycle[kind])
}

// addEvent appends e to the handlers of pattern.
func (r *registry) addEvent(pattern string, e eventEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, _ := r.events.Get(pattern)
	r.events.Set(pattern, append(handlers, e))
}

func (r *registry) patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	patterns := make([]string, 0, r.events.Len())
	for pair := r.events.Oldest(); pair != nil; pair = pair.Next() {
		patterns = append(patterns, pair.Key)
	}
	return patterns
}

// route returns the handlers of every pattern matching the logical topic, in
// pattern registration order.
func (r *registry) route(logical string) []route {
	r.mu.Lock()
	defer r.mu.Unlock()
	var routes []route
	for pair := r.events.Oldest(); pair != nil; pair = pair.Next() {
		if topic.Match(pair.Key, logical) {
			routes = append(routes, route{pattern: pair.Key, handlers: slices.Clone(pair.Value)})
		}
	}
	return routes
}

func (r *registry) addInterval(e *intervalEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intervals = append(r.intervals, e)
}

func (r *registry) intervalEntries() []*intervalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.intervals)
}

func (r *registry) addError(e errorEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

func (r *registry) errorHandlers() []errorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errors)
}
