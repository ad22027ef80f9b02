package compendium

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "spells.json",
		`[{"name":"Fireball","level":3},{"name":"Mage Hand","level":0}]`)
	writeCatalog(t, dir, "races.json", `[{"name":"Dwarf","speed":25}]`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := len(c.List(Spells)); got != 2 {
		t.Fatalf("spells = %d, want 2", got)
	}
	if c.List(Spells)[0].Name != "Fireball" {
		t.Fatalf("first spell = %s, want Fireball (sorted)", c.List(Spells)[0].Name)
	}

	item, ok := c.Lookup(Spells, "fireball")
	if !ok {
		t.Fatal("case-insensitive lookup missed")
	}
	if item.Name != "Fireball" {
		t.Fatalf("name = %s, want Fireball", item.Name)
	}

	if _, ok := c.Lookup(Spells, "Wish"); ok {
		t.Fatal("unknown spell resolved")
	}
	// Missing category files leave the category empty, not broken.
	if got := len(c.List(Monsters)); got != 0 {
		t.Fatalf("monsters = %d, want 0", got)
	}
	if c.Count() != 3 {
		t.Fatalf("count = %d, want 3", c.Count())
	}
}

func TestLoadRejectsMalformedCatalog(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "spells.json", `{"not":"a list"}`)
	if _, err := Load(dir); err == nil {
		t.Fatal("malformed catalog loaded")
	}
}

func TestLoadRejectsNamelessEntry(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "races.json", `[{"speed":25}]`)
	if _, err := Load(dir); err == nil {
		t.Fatal("nameless entry loaded")
	}
}

func TestParseCategory(t *testing.T) {
	if _, err := ParseCategory(" Spells "); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseCategory("potions"); err == nil {
		t.Fatal("unknown category parsed")
	}
}
