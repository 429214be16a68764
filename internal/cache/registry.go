package cache

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"canvasgroups.org/internal/obs"
)

// Cache instance names, one per Canvas resource kind.
const (
	CourseGroups    = "courseGroups"
	GroupCategories = "groupCategories"
	CategoryGroups  = "categoryGroups"
	GroupMembers    = "groupMembers"
	GroupUsers      = "groupUsers"
	UserProfile     = "userProfile"
)

// Names lists the instances in display order.
var Names = []string{CourseGroups, GroupCategories, CategoryGroups, GroupMembers, GroupUsers, UserProfile}

// Snapshot is the diagnostic view of one cache.
type Snapshot struct {
	Name  string        `json:"name"`
	TTL   time.Duration `json:"ttl"`
	Keys  []Entry       `json:"keys"`
	Stats Stats         `json:"stats"`
}

// Registry owns the six resource caches and their sweeper.
type Registry struct {
	caches map[string]*Cache

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRegistry builds all six caches with ttl, except those named in
// overrides which get their own TTL.
func NewRegistry(ttl time.Duration, overrides map[string]time.Duration, opts ...Option) *Registry {
	r := &Registry{caches: make(map[string]*Cache, len(Names))}
	for _, name := range Names {
		d := ttl
		if o, ok := overrides[name]; ok && o > 0 {
			d = o
		}
		r.caches[name] = New(name, d, opts...)
	}
	return r
}

func (r *Registry) CourseGroups() *Cache    { return r.caches[CourseGroups] }
func (r *Registry) GroupCategories() *Cache { return r.caches[GroupCategories] }
func (r *Registry) CategoryGroups() *Cache  { return r.caches[CategoryGroups] }
func (r *Registry) GroupMembers() *Cache    { return r.caches[GroupMembers] }
func (r *Registry) GroupUsers() *Cache      { return r.caches[GroupUsers] }
func (r *Registry) UserProfile() *Cache     { return r.caches[UserProfile] }

// Lookup finds a cache by name.
func (r *Registry) Lookup(name string) (*Cache, bool) {
	c, ok := r.caches[name]
	return c, ok
}

// Snapshot lists every cache's live keys and counters. It does not mutate
// any cache.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(Names))
	for _, name := range Names {
		c := r.caches[name]
		out = append(out, Snapshot{Name: name, TTL: c.TTL(), Keys: c.Entries(), Stats: c.Stats()})
	}
	return out
}

// LogSnapshot writes one line per live key plus a per-cache summary.
func (r *Registry) LogSnapshot() {
	for _, s := range r.Snapshot() {
		for _, e := range s.Keys {
			obs.Info("cache key", map[string]any{
				"cache":         s.Name,
				"key":           e.Key,
				"ttl_remaining": e.TTLRemaining.Round(time.Second).String(),
			})
		}
		obs.Info("cache stats", map[string]any{
			"cache":   s.Name,
			"keys":    len(s.Keys),
			"reads":   s.Stats.Reads(),
			"hits":    s.Stats.Hits,
			"writes":  s.Stats.Writes,
			"expired": s.Stats.Expired,
		})
	}
}

// SweepAll purges expired entries from every cache.
func (r *Registry) SweepAll() int {
	n := 0
	for _, name := range Names {
		n += r.caches[name].Sweep()
	}
	return n
}

// Clear empties every cache.
func (r *Registry) Clear() {
	for _, name := range Names {
		r.caches[name].Clear()
	}
}

// StartSweeper schedules SweepAll at a fixed interval. Calling it again
// replaces the previous schedule. every <= 0 leaves expiry lazy-only.
func (r *Registry) StartSweeper(every time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
	if every <= 0 {
		return
	}
	c := cron.New()
	c.Schedule(cron.Every(every), cron.FuncJob(func() {
		if n := r.SweepAll(); n > 0 {
			obs.Info("cache sweep", map[string]any{"removed": n})
		}
	}))
	c.Start()
	r.cron = c
	obs.Info("cache sweeper started", map[string]any{"every": every.String()})
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
