// Package compendium serves the read-only reference catalog: races,
// classes, backgrounds, spells, equipment, and monsters. The catalog loads
// once at startup from a directory of JSON files and is immutable
// afterwards, so lookups need no locking.
package compendium

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Category names one catalog file.
type Category string

const (
	Races       Category = "races"
	Classes     Category = "classes"
	Backgrounds Category = "backgrounds"
	Spells      Category = "spells"
	Equipment   Category = "equipment"
	Monsters    Category = "monsters"
)

// Categories lists the catalog files a compendium directory may carry.
var Categories = []Category{Races, Classes, Backgrounds, Spells, Equipment, Monsters}

// Item is one catalog entry. The body is opaque to the server; only the
// name is interpreted, for lookup.
type Item struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"-"`
}

// MarshalJSON renders the stored body verbatim.
func (i Item) MarshalJSON() ([]byte, error) {
	return i.Body, nil
}

// Compendium is the loaded catalog. Immutable after Load.
type Compendium struct {
	items  map[Category][]Item
	byName map[Category]map[string]Item
}

// Load reads every known category file under dir. Missing files leave the
// category empty; a malformed file fails the load so a broken catalog never
// serves partially.
func Load(dir string) (*Compendium, error) {
	c := &Compendium{
		items:  make(map[Category][]Item, len(Categories)),
		byName: make(map[Category]map[string]Item, len(Categories)),
	}
	for _, category := range Categories {
		path := filepath.Join(dir, string(category)+".json")
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			c.byName[category] = map[string]Item{}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var bodies []json.RawMessage
		if err := json.Unmarshal(raw, &bodies); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}

		items := make([]Item, 0, len(bodies))
		names := make(map[string]Item, len(bodies))
		for i, body := range bodies {
			var head struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(body, &head); err != nil {
				return nil, fmt.Errorf("decode %s entry %d: %w", path, i, err)
			}
			if strings.TrimSpace(head.Name) == "" {
				return nil, fmt.Errorf("%s entry %d has no name", path, i)
			}
			item := Item{Name: head.Name, Body: body}
			items = append(items, item)
			names[strings.ToLower(head.Name)] = item
		}
		sort.Slice(items, func(a, b int) bool { return items[a].Name < items[b].Name })
		c.items[category] = items
		c.byName[category] = names
	}
	return c, nil
}

// ParseCategory validates a category string from the wire.
func ParseCategory(value string) (Category, error) {
	candidate := Category(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Categories {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeNotFound,
		"unknown compendium category", map[string]string{"category": value})
}

// List returns a category's items sorted by name.
func (c *Compendium) List(category Category) []Item {
	return c.items[category]
}

// Lookup finds an item by name, case-insensitively.
func (c *Compendium) Lookup(category Category, name string) (Item, bool) {
	item, ok := c.byName[category][strings.ToLower(strings.TrimSpace(name))]
	return item, ok
}

// Count reports the total number of loaded items across categories.
func (c *Compendium) Count() int {
	total := 0
	for _, items := range c.items {
		total += len(items)
	}
	return total
}
