// Package ecacfg holds the hierarchical job configuration shared by every
// launch mode: one core mapping common to all jobs in a batch, and an ordered
// stack of per-job mappings.
//
// Lookups resolve stack entry first, then core, then a caller default. Job
// processing code gets an explicit *Handle on its own entry instead of a
// shared "current selection".
package ecacfg

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// Version is recorded in the core of every new Set.
const Version = "0.3"

// Identity keys of a stack entry. They are never promoted to core.
const (
	NameKey   = "eca_cfgName"
	UniqueKey = "eca_uniqueName"
)

// ErrMissingKey is returned when a required key has no value.
var ErrMissingKey = fmt.Errorf("%w: no value given", ecaerr.ErrConfiguration)

// Set is a core mapping plus a stack of per-job mappings.
// A Set is safe for concurrent use through its Handles.
type Set struct {
	mu      sync.RWMutex
	core    map[string]string
	stack   []map[string]string
	savedAs string
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		core: map[string]string{"eca_version": Version},
	}
}

// Handle addresses one mapping of a Set: the core, or a single stack entry.
type Handle struct {
	set   *Set
	index int
}

// Core returns a handle on the core mapping.
func (s *Set) Core() *Handle {
	return &Handle{set: s, index: -1}
}

// Push appends a blank stack entry and returns a handle on it.
func (s *Set) Push() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, map[string]string{})
	return &Handle{set: s, index: len(s.stack) - 1}
}

// Entry returns a handle on stack entry i.
func (s *Set) Entry(i int) *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.stack) {
		panic(fmt.Sprintf("ecacfg: stack entry %d out of range [0,%d)", i, len(s.stack)))
	}
	return &Handle{set: s, index: i}
}

// Entries returns handles on every stack entry, in order.
func (s *Set) Entries() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handles := make([]*Handle, len(s.stack))
	for i := range s.stack {
		handles[i] = &Handle{set: s, index: i}
	}
	return handles
}

// Len returns the number of stack entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stack)
}

// SetCore sets key in core and removes any per-entry value for it.
func (s *Set) SetCore(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnIfSaved(key)
	s.core[key] = value
	for _, entry := range s.stack {
		delete(entry, key)
	}
}

func (s *Set) warnIfSaved(key string) {
	if s.savedAs != "" {
		log.Warnf("setting value for %s in an already-saved configuration (%s)", key, s.savedAs)
	}
}

// Snapshot returns copies of the core and stack mappings.
func (s *Set) Snapshot() (map[string]string, []map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack := make([]map[string]string, len(s.stack))
	for i, entry := range s.stack {
		stack[i] = copyMap(entry)
	}
	return copyMap(s.core), stack
}

// PromoteCommon removes stack values that duplicate core, then moves every key
// whose value is identical across all stack entries (and not set differently
// in core) into core. Repeating it is a no-op.
func (s *Set) PromoteCommon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteLocked()
}

func (s *Set) promoteLocked() {
	for _, entry := range s.stack {
		for key, val := range entry {
			if identityKey(key) {
				continue
			}
			if coreVal, ok := s.core[key]; ok && coreVal == val {
				delete(entry, key)
			}
		}
	}

	if len(s.stack) == 0 {
		return
	}

	for key, val := range s.stack[0] {
		if identityKey(key) {
			continue
		}
		if coreVal, ok := s.core[key]; ok && coreVal != val {
			continue
		}
		common := true
		for _, entry := range s.stack[1:] {
			if other, ok := entry[key]; !ok || other != val {
				common = false
				break
			}
		}
		if !common {
			continue
		}
		s.core[key] = val
		for _, entry := range s.stack {
			delete(entry, key)
		}
	}
}

// Finalize promotes common values and gives every stack entry a label
// (UniqueKey) that is safe to use in file and object names.
func (s *Set) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteLocked()
	s.labelLocked()
}

func (s *Set) labelLocked() {
	names := make([]string, len(s.stack))
	seen := make(map[string]int, len(s.stack))
	for i, entry := range s.stack {
		if name := entry[NameKey]; name != "" {
			names[i] = path.Base(TidyPath(name))
		}
		seen[names[i]]++
	}

	unique := true
	for _, name := range names {
		if name == "" || seen[name] > 1 {
			unique = false
			break
		}
	}

	for i, entry := range s.stack {
		if unique {
			entry[UniqueKey] = names[i]
		} else {
			entry[UniqueKey] = fmt.Sprintf("cfg%d", i)
		}
	}
}

func identityKey(key string) bool {
	return key == NameKey || key == UniqueKey
}

// GetOption modifies a single lookup.
type GetOption func(*getOptions)

type getOptions struct {
	def         *string
	excludeCore bool
}

// Default supplies the value returned when the key is absent.
func Default(value string) GetOption {
	return func(o *getOptions) {
		o.def = &value
	}
}

// ExcludeCore restricts the lookup of a stack entry handle to the entry itself.
func ExcludeCore() GetOption {
	return func(o *getOptions) {
		o.excludeCore = true
	}
}

// Index returns the stack index of the handle, or -1 for core.
func (h *Handle) Index() int {
	return h.index
}

// IsCore reports whether the handle addresses the core mapping.
func (h *Handle) IsCore() bool {
	return h.index < 0
}

// Owner returns the Set the handle belongs to.
func (h *Handle) Owner() *Set {
	return h.set
}

// Get resolves key through the entry, then core, then the default.
func (h *Handle) Get(key string, opts ...GetOption) (string, error) {
	o := getOptions{}
	for _, f := range opts {
		f(&o)
	}

	h.set.mu.RLock()
	defer h.set.mu.RUnlock()

	if h.index >= 0 {
		if val, ok := h.set.stack[h.index][key]; ok {
			return val, nil
		}
	}
	if h.index < 0 || !o.excludeCore {
		if val, ok := h.set.core[key]; ok {
			return val, nil
		}
	}
	if o.def != nil {
		return *o.def, nil
	}
	return "", fmt.Errorf("%w for %s", ErrMissingKey, key)
}

// Has reports whether key resolves without a default.
func (h *Handle) Has(key string) bool {
	_, err := h.Get(key)
	return err == nil
}

// String resolves key, falling back to def.
func (h *Handle) String(key, def string) string {
	val, _ := h.Get(key, Default(def))
	return val
}

// Bool resolves key as a boolean ("True", "true", "1", ...), falling back to def.
func (h *Handle) Bool(key string, def bool) bool {
	val, err := h.Get(key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return b
}

// Int resolves key as an integer, falling back to def when absent.
// A present but malformed value is a configuration error.
func (h *Handle) Int(key string, def int) (int, error) {
	val, err := h.Get(key)
	if err != nil {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ecaerr.ErrConfiguration, key, val)
	}
	return n, nil
}

// Set writes key into the handle's mapping.
func (h *Handle) Set(key, value string) {
	if h.index < 0 {
		h.set.SetCore(key, value)
		return
	}
	h.set.mu.Lock()
	defer h.set.mu.Unlock()
	h.set.warnIfSaved(key)
	log.Debugf("set %d %s=%s", h.index, key, value)
	h.set.stack[h.index][key] = value
}

// Keys returns the sorted keys held directly by the handle's mapping.
func (h *Handle) Keys() []string {
	h.set.mu.RLock()
	defer h.set.mu.RUnlock()
	m := h.set.core
	if h.index >= 0 {
		m = h.set.stack[h.index]
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Merged returns core overlaid with the handle's entry.
func (h *Handle) Merged() map[string]string {
	h.set.mu.RLock()
	defer h.set.mu.RUnlock()
	merged := copyMap(h.set.core)
	if h.index >= 0 {
		for key, val := range h.set.stack[h.index] {
			merged[key] = val
		}
	}
	return merged
}

// TidyPath normalises path separators to forward slashes.
func TidyPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.ReplaceAll(p, "//", "/")
}

func copyMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
