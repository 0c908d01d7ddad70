package ecacfg

import (
	"encoding/json"
	"fmt"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// StackKey holds the per-job entries in the persisted form of a Set.
const StackKey = "cfgStack"

// SensitiveKeys are stripped from every persisted configuration.
var SensitiveKeys = []string{
	"aws_access_key_id",
	"aws_secret_access_key",
	"RSAKey",
	"RSAKeyName",
}

const scrubbedValue = "xxxx"

// Marshal renders the Set as {<core keys>, "cfgStack": [{...}, ...]}.
func (s *Set) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marshalLocked()
}

func (s *Set) marshalLocked() ([]byte, error) {
	if _, ok := s.core[StackKey]; ok {
		return nil, fmt.Errorf("%w: %s is a reserved key", ecaerr.ErrConfiguration, StackKey)
	}
	doc := make(map[string]interface{}, len(s.core)+1)
	for k, v := range s.core {
		doc[k] = v
	}
	stack := make([]map[string]string, len(s.stack))
	copy(stack, s.stack)
	doc[StackKey] = stack

	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// MarshalScrubbed is Marshal with every sensitive value replaced.
func (s *Set) MarshalScrubbed() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore := s.scrubLocked()
	defer restore()
	return s.marshalLocked()
}

// MarshalEntry renders core overlaid with stack entry i as one flat object.
// Sensitive values are replaced.
func (s *Set) MarshalEntry(i int) ([]byte, error) {
	merged := s.Entry(i).Merged()
	for _, key := range SensitiveKeys {
		if _, ok := merged[key]; ok {
			merged[key] = scrubbedValue
		}
	}
	data, err := json.MarshalIndent(merged, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Parse rebuilds a Set from the form written by Marshal. A document with no
// cfgStack becomes a core-only Set.
func Parse(data []byte) (*Set, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ecaerr.ErrConfiguration, err)
	}

	s := &Set{core: map[string]string{}}
	if raw, ok := doc[StackKey]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ecaerr.ErrConfiguration, StackKey, err)
		}
		for i, entry := range entries {
			values, err := decodeObject(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %v", ecaerr.ErrConfiguration, StackKey, i, err)
			}
			s.stack = append(s.stack, values)
		}
		delete(doc, StackKey)
	}

	rest, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	core, err := decodeObject(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ecaerr.ErrConfiguration, err)
	}
	s.core = core
	return s, nil
}

// ScrubAndPersist hands persist a serialized copy of the Set with every
// sensitive value replaced, then restores the live values. The in-memory Set
// is unchanged apart from remembering name as its saved location.
func (s *Set) ScrubAndPersist(name string, persist func(name string, data []byte) error) error {
	s.mu.Lock()
	restore := s.scrubLocked()
	data, err := s.marshalLocked()
	restore()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := persist(name, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.savedAs = name
	s.mu.Unlock()
	return nil
}

// SavedAs returns the name the Set was last persisted under.
func (s *Set) SavedAs() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.savedAs
}

func (s *Set) scrubLocked() func() {
	type saved struct {
		m   map[string]string
		key string
		val string
	}
	var originals []saved

	scrub := func(m map[string]string) {
		for _, key := range SensitiveKeys {
			if val, ok := m[key]; ok {
				originals = append(originals, saved{m: m, key: key, val: val})
				m[key] = scrubbedValue
			}
		}
	}

	scrub(s.core)
	for _, entry := range s.stack {
		scrub(entry)
	}

	return func() {
		for _, o := range originals {
			o.m[o.key] = o.val
		}
	}
}
