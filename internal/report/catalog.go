package report

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog holds report definitions keyed by report key.
// It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]Definition)}
}

// Register adds a definition to the catalog.
// Returns an error if the key or display name is already registered or the
// definition is malformed.
func (c *Catalog) Register(def Definition) error {
	if err := normalize(&def); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.defs[def.Key]; exists {
		return fmt.Errorf("report already registered: %s", def.Key)
	}
	for _, other := range c.defs {
		if strings.EqualFold(other.DisplayName, def.DisplayName) {
			return fmt.Errorf("report %s: display_name %q already used by %s", def.Key, def.DisplayName, other.Key)
		}
	}
	c.defs[def.Key] = def
	c.order = append(c.order, def.Key)
	return nil
}

// Get returns a definition by key.
func (c *Catalog) Get(key string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[strings.ToLower(strings.TrimSpace(key))]
	return def, ok
}

// Lookup is Get with an error for unknown keys.
func (c *Catalog) Lookup(key string) (Definition, error) {
	def, ok := c.Get(key)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownReport, key)
	}
	return def, nil
}

// All returns every definition in registration order.
func (c *Catalog) All() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Definition, 0, len(c.order))
	for _, key := range c.order {
		result = append(result, c.defs[key])
	}
	return result
}

// Keys returns the registered report keys sorted alphabetically.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, len(c.order))
	copy(keys, c.order)
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered reports.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// catalogFile is the on-disk layout of a catalog document.
type catalogFile struct {
	Reports []Definition `yaml:"reports"`
}

// LoadCatalog parses a YAML catalog document.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(file.Reports) == 0 {
		return nil, fmt.Errorf("catalog defines no reports")
	}

	c := NewCatalog()
	for _, def := range file.Reports {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalogFile loads a catalog from path, or the embedded default catalog
// when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the catalog shipped with the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(strings.NewReader(string(defaultCatalog)))
}

// normalize validates def and fills defaults in place.
func normalize(def *Definition) error {
	def.Key = strings.ToLower(strings.TrimSpace(def.Key))
	if def.Key == "" {
		return fmt.Errorf("report key is required")
	}
	if def.DisplayName == "" {
		return fmt.Errorf("report %s: display_name is required", def.Key)
	}
	if def.From == "" {
		return fmt.Errorf("report %s: from is required", def.Key)
	}
	if len(def.Columns) == 0 {
		return fmt.Errorf("report %s: no columns defined", def.Key)
	}
	if def.Version <= 0 {
		def.Version = 1
	}

	seen := make(map[string]bool, len(def.Columns))
	cols := make(Columns, len(def.Columns))
	for i, col := range def.Columns {
		if col.Key == "" {
			return fmt.Errorf("report %s: column %d has no key", def.Key, i+1)
		}
		if seen[col.Key] {
			return fmt.Errorf("report %s: duplicate column key %q", def.Key, col.Key)
		}
		seen[col.Key] = true
		if col.Label == "" {
			col.Label = col.Key
		}
		if col.Width <= 0 {
			col.Width = DefaultColumnWidth
		}
		if col.Expr == "" {
			col.Expr = quoteIdentifier(col.Key)
		}
		cols[i] = col
	}
	def.Columns = cols
	return nil
}
