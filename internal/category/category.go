// Package category holds the data-driven domain category table used by
// the chunker, the retriever's query expansion and the prompt builder.
// Adding a category is a data change in categories.yaml, not a code
// change.
package category

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var categoriesYAML []byte

// General is the fallback category when no keywords match.
const General = "general"

// Entry describes a single domain category.
type Entry struct {
	Name         string   `yaml:"name"`
	Keywords     []string `yaml:"keywords"`
	QueryHints   []string `yaml:"query_hints"`
	PromptSuffix string   `yaml:"prompt_suffix"`
}

// Table is the loaded category table.
type Table struct {
	entries map[string]Entry
	order   []string
}

// Load parses the embedded category table. Called once at startup.
func Load() (*Table, error) {
	var doc struct {
		Categories []Entry `yaml:"categories"`
	}
	if err := yaml.Unmarshal(categoriesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	t := &Table{entries: make(map[string]Entry, len(doc.Categories))}
	for _, e := range doc.Categories {
		if e.Name == "" {
			return nil, fmt.Errorf("category with empty name")
		}
		if _, dup := t.entries[e.Name]; dup {
			return nil, fmt.Errorf("duplicate category %q", e.Name)
		}
		t.entries[e.Name] = e
		t.order = append(t.order, e.Name)
	}
	if len(t.entries) == 0 {
		return nil, fmt.Errorf("category table is empty")
	}
	return t, nil
}

// Detect returns the category whose keywords score highest against the
// given text, or General when nothing matches. Detection is a plain
// case-insensitive substring scan; first declared category wins ties.
func (t *Table) Detect(text string) string {
	lower := strings.ToLower(text)
	best := General
	bestScore := 0
	for _, name := range t.order {
		score := 0
		for _, kw := range t.entries[name].Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best
}

// Keywords returns the keyword list for a category, nil when unknown.
func (t *Table) Keywords(name string) []string {
	return t.entries[name].Keywords
}

// QueryHints returns expansion vocabulary for a category.
func (t *Table) QueryHints(name string) []string {
	return t.entries[name].QueryHints
}

// PromptSuffix returns the category-specific guidance appended to the
// system prompt, empty when the category carries none.
func (t *Table) PromptSuffix(name string) string {
	return t.entries[name].PromptSuffix
}

// Names lists the known categories in declaration order.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}
