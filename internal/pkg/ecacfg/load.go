package ecacfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// CoreBaseNameKey records the file-of-files a batch was loaded from.
const CoreBaseNameKey = "coreBaseName"

// Loader reads job-configuration sources into a Set.
//
// A source is an inline literal ("{...}" or, for jobs, "[{...},{...}]"), a
// file of JSON key/values where "#" starts a comment running to end of line,
// or a file whose lines name further config files.
type Loader struct {
	set      *Set
	exists   func(string) bool
	readFile func(string) ([]byte, error)
}

// NewLoader returns a Loader that fills s from the local filesystem.
func NewLoader(s *Set) *Loader {
	return &Loader{
		set: s,
		exists: func(name string) bool {
			info, err := os.Stat(name)
			return err == nil && !info.IsDir()
		},
		readFile: os.ReadFile,
	}
}

// Load reads a single config (literal or file) into h.
func (l *Loader) Load(h *Handle, source string) error {
	return l.loadSingle(source, h.Set)
}

// LoadOverrides reads a single config into core, replacing any per-entry
// values of the keys it names.
func (l *Loader) LoadOverrides(source string) error {
	log.Infof("process additional args %s", source)
	return l.loadSingle(source, l.set.SetCore)
}

func (l *Loader) loadSingle(source string, set func(key, value string)) error {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "{") {
		return parseLiteral("inline config", []byte(trimmed), set)
	}
	log.Infof("processing parameter file %s", source)
	data, err := l.readFile(source)
	if err != nil {
		return fmt.Errorf("%w: %v", ecaerr.ErrConfiguration, err)
	}
	return parseLiteral(source, stripComments(data), set)
}

// LoadJobs reads a job source, pushing one stack entry per job found, and
// returns the number of entries pushed.
func (l *Loader) LoadJobs(source string) (int, error) {
	trimmed := strings.TrimSpace(source)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		h := l.set.Push()
		return 1, parseLiteral("inline config", []byte(trimmed), h.Set)
	case strings.HasPrefix(trimmed, "["):
		return l.loadArray(trimmed)
	}
	return l.loadJobFile(source, map[string]bool{})
}

func (l *Loader) loadArray(literal string) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(literal), &items); err != nil {
		return 0, fmt.Errorf("%w: inline config array: %v", ecaerr.ErrConfiguration, err)
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: inline config array is empty", ecaerr.ErrConfiguration)
	}
	for i, item := range items {
		h := l.set.Push()
		if err := parseLiteral(fmt.Sprintf("inline config %d", i), item, h.Set); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func (l *Loader) loadJobFile(name string, visiting map[string]bool) (int, error) {
	key := name
	if abs, err := filepath.Abs(name); err == nil {
		key = abs
	}
	if visiting[key] {
		return 0, fmt.Errorf("%w: config file %s includes itself", ecaerr.ErrConfiguration, name)
	}
	visiting[key] = true
	defer delete(visiting, key)

	log.Infof("processing parameter file %s", name)
	data, err := l.readFile(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ecaerr.ErrConfiguration, err)
	}

	lines := contentLines(data)
	if len(lines) == 1 && strings.HasPrefix(lines[0], "[") {
		return l.loadArray(lines[0])
	}

	var names, missing []string
	for _, line := range lines {
		if l.exists(line) {
			names = append(names, line)
		} else {
			missing = append(missing, line)
		}
	}

	if len(names) == 0 {
		h := l.set.Push()
		if err := parseLiteral(name, stripComments(data), h.Set); err != nil {
			return 1, err
		}
		h.Set(NameKey, TidyPath(name))
		return 1, nil
	}

	if len(missing) > 0 {
		return 0, fmt.Errorf("%w: failed to open config file(s): %s", ecaerr.ErrConfiguration, strings.Join(missing, " "))
	}

	l.set.SetCore(CoreBaseNameKey, TidyPath(name))
	total := 0
	for _, nested := range names {
		log.Infof("adding parameter file %s to the run", nested)
		n, err := l.loadJobFile(nested, visiting)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// contentLines returns the trimmed, comment-free, non-blank lines of data.
func contentLines(data []byte) []string {
	var lines []string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func stripComments(data []byte) []byte {
	var buf bytes.Buffer
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString(stripComment(line))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// stripComment cuts a line at the first "#" that is not inside a JSON string.
func stripComment(line string) string {
	inString, escaped := false, false
	for i, r := range line {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case r == '#' && !inString:
			return line[:i]
		}
	}
	return line
}

func parseLiteral(name string, data []byte, set func(key, value string)) error {
	values, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ecaerr.ErrConfiguration, name, err)
	}
	for key, val := range values {
		set(key, val)
	}
	return nil
}

func decodeObject(data []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return flatten(raw)
}

func flatten(raw map[string]interface{}) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for key, val := range raw {
		s, ok, err := stringify(val)
		if err != nil {
			return nil, fmt.Errorf("key %s: %v", key, err)
		}
		if ok {
			values[key] = s
		}
	}
	return values, nil
}

// stringify renders a decoded JSON value as a config string. Booleans are
// case-normalised to "True"/"False"; nulls are dropped.
func stringify(val interface{}) (string, bool, error) {
	switch v := val.(type) {
	case nil:
		return "", false, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return "True", true, nil
		case "false":
			return "False", true, nil
		}
		return v, true, nil
	case bool:
		if v {
			return "True", true, nil
		}
		return "False", true, nil
	case json.Number:
		return v.String(), true, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}
