// Package mapping persists circuit name to OSM element mappings in a
// human-editable JSON file. Entries an operator marks manual are never
// overwritten by the resolver.
package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/circuit-geo/internal/model"
)

var (
	// ErrCorrupt means the cache file exists but is not a JSON object. Callers
	// must stop rather than continue with an empty cache.
	ErrCorrupt = eris.New("mapping: cache file is corrupt")

	// ErrQuarantined means the entry failed validation at load. It is kept
	// verbatim on disk until an operator fixes it.
	ErrQuarantined = eris.New("mapping: entry is quarantined")
)

// legacyMethods maps search_method values written by older tools.
var legacyMethods = map[string]model.SearchMethod{
	"P402":         model.MethodDirectXref,
	"wikidata_tag": model.MethodTaggedSearch,
	"osm_name":     model.MethodNameSearch,
}

// Stats counts cache entries.
type Stats struct {
	Manual      int `json:"manual"`
	Auto        int `json:"auto"`
	Absent      int `json:"absent"`
	Quarantined int `json:"quarantined"`
}

type quarantined struct {
	raw    json.RawMessage
	reason string
}

// Cache is the in-memory mapping plus the file it was loaded from. It is
// safe for concurrent use.
type Cache struct {
	path string
	lock *flock.Flock
	log  *zap.Logger

	mu          sync.Mutex
	entries     map[string]model.CacheEntry
	quarantined map[string]quarantined
}

// Load reads the cache at path. A missing file yields an empty cache; the
// file is created on the first Flush.
func Load(path string) (*Cache, error) {
	c := &Cache{
		path:        path,
		lock:        flock.New(path + ".lock"),
		log:         zap.L().With(zap.String("component", "mapping")),
		entries:     make(map[string]model.CacheEntry),
		quarantined: make(map[string]quarantined),
	}

	if err := c.lock.RLock(); err != nil {
		return nil, eris.Wrapf(err, "mapping: lock %s", path)
	}
	data, err := os.ReadFile(path)
	_ = c.lock.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		c.log.Info("cache file not found, starting empty", zap.String("path", path))
		return c, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read %s", path)
	}

	raw, err := decodeCircuits(data)
	if err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}

	for name, msg := range raw {
		entry, err := decodeEntry(msg)
		if err != nil {
			c.quarantined[name] = quarantined{raw: msg, reason: err.Error()}
			c.log.Warn("quarantined malformed cache entry",
				zap.String("circuit", name),
				zap.Error(err),
			)
			continue
		}
		c.entries[name] = entry
	}

	st := c.Stats()
	c.log.Debug("loaded cache",
		zap.String("path", path),
		zap.Int("manual", st.Manual),
		zap.Int("auto", st.Auto),
		zap.Int("quarantined", st.Quarantined),
	)
	return c, nil
}

// decodeCircuits accepts the documented {"_schema":..., "circuits":{...}}
// layout and a bare {name: entry} object.
func decodeCircuits(data []byte) (map[string]json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if top == nil {
		return nil, eris.New("top level is null")
	}

	if circuits, ok := top["circuits"]; ok && isObject(circuits) {
		var out map[string]json.RawMessage
		if err := json.Unmarshal(circuits, &out); err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		return out, nil
	}

	out := make(map[string]json.RawMessage, len(top))
	for k, v := range top {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func isObject(msg json.RawMessage) bool {
	trimmed := bytes.TrimSpace(msg)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// decodeEntry strictly decodes one entry. Unknown fields, wrong types and
// manual entries without osm_id are rejected.
func decodeEntry(msg json.RawMessage) (model.CacheEntry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "entry is not an object")
	}
	if fields == nil {
		return model.CacheEntry{}, eris.New("entry is null")
	}

	if m, ok := fields["search_method"]; ok {
		var s string
		if json.Unmarshal(m, &s) == nil {
			if mapped, legacy := legacyMethods[s]; legacy {
				fields["search_method"], _ = json.Marshal(mapped)
				msg, _ = json.Marshal(fields)
			}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	var entry model.CacheEntry
	if err := dec.Decode(&entry); err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "decode entry")
	}
	if entry.Manual {
		if _, ok := fields["osm_id"]; !ok {
			return model.CacheEntry{}, eris.New("manual entry must set osm_id (number or null)")
		}
	}
	if err := entry.Validate(); err != nil {
		return model.CacheEntry{}, err
	}
	return entry, nil
}

// Path returns the cache file path.
func (c *Cache) Path() string { return c.path }

// Get returns the entry for name. ok is false when the name has never been
// resolved. A quarantined entry returns ErrQuarantined.
func (c *Cache) Get(name string) (model.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, bad := c.quarantined[name]; bad {
		return model.CacheEntry{}, false, eris.Wrapf(ErrQuarantined, "%s: %s", name, q.reason)
	}
	e, ok := c.entries[name]
	return e, ok, nil
}

// Upsert stores entry under name. When the existing entry is manual only
// verified_at and osm_version are taken from entry. It reports whether the
// stored entry was replaced rather than merged.
func (c *Cache) Upsert(name string, entry model.CacheEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, eris.Wrapf(err, "mapping: upsert %s", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, bad := c.quarantined[name]; bad {
		return false, eris.Wrapf(ErrQuarantined, "mapping: upsert %s", name)
	}

	existing, ok := c.entries[name]
	if ok && existing.Manual {
		if entry.VerifiedAt != nil {
			existing.VerifiedAt = entry.VerifiedAt
		}
		if entry.OSMVersion != nil {
			existing.OSMVersion = entry.OSMVersion
		}
		c.entries[name] = existing
		return false, nil
	}

	c.entries[name] = entry
	return true, nil
}

// UpdateVersion records the element version last downloaded for name. It is
// allowed on manual entries.
func (c *Cache) UpdateVersion(name string, version int, verifiedAt *model.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return eris.Errorf("mapping: update version: %q is not cached", name)
	}
	e.OSMVersion = &version
	if verifiedAt != nil {
		e.VerifiedAt = verifiedAt
	}
	c.entries[name] = e
	return nil
}

// Names returns the cached names, sorted. Quarantined names are included.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.entries)+len(c.quarantined))
	for n := range c.entries {
		names = append(names, n)
	}
	for n := range c.quarantined {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the valid entries.
func (c *Cache) Snapshot() map[string]model.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]model.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Quarantined returns the quarantined names with the reason each was rejected.
func (c *Cache) Quarantined() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.quarantined))
	for k, q := range c.quarantined {
		out[k] = q.reason
	}
	return out
}

// Stats counts manual, automatic, confirmed-absent and quarantined entries.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	for _, e := range c.entries {
		if e.Manual {
			s.Manual++
		} else {
			s.Auto++
		}
		if e.Absent() {
			s.Absent++
		}
	}
	s.Quarantined = len(c.quarantined)
	return s
}

// Flush writes the whole mapping to disk atomically.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	circuits := make(map[string]json.RawMessage, len(c.entries)+len(c.quarantined))
	for name, e := range c.entries {
		msg, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "mapping: encode %s", name)
		}
		circuits[name] = msg
	}
	for name, q := range c.quarantined {
		circuits[name] = q.raw
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file{Schema: defaultSchema(), Circuits: circuits}); err != nil {
		return eris.Wrap(err, "mapping: encode cache")
	}

	if err := c.lock.Lock(); err != nil {
		return eris.Wrapf(err, "mapping: lock %s", c.path)
	}
	defer c.lock.Unlock() //nolint:errcheck

	return writeAtomic(c.path, buf.Bytes())
}

// writeAtomic replaces path with data via a synced temp file in the same
// directory.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "mapping: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "mapping: create temp file")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return eris.Wrap(err, "mapping: write temp file")
	}
	if err = tmp.Sync(); err != nil {
		return eris.Wrap(err, "mapping: sync temp file")
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrap(err, "mapping: close temp file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "mapping: rename into %s", path)
	}
	return nil
}
