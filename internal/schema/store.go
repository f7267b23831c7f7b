// Package schema provides read-only access to the command documentation
// cache produced by the external schema pipeline.
//
// The store is strictly a consumer: it loads a JSON cache file mapping
// command names to their dialect, category, description, and parameter
// schemas, and answers lookups for the get_docs tool and dispatch-time
// dialect validation. A missing or empty store never blocks dispatch —
// validation degrades to letting the remote instance reject the call.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
)

// Command is the documentation record for one remote command.
type Command struct {
	Name             string         `json:"name"`
	API              string         `json:"api"` // "builtin" or "tapir".
	Category         string         `json:"category"`
	Description      string         `json:"description"`
	ParametersSchema map[string]any `json:"parameters_schema,omitempty"`
	ReturnsSchema    map[string]any `json:"returns_schema,omitempty"`
	Examples         []map[string]any `json:"examples,omitempty"`
}

// Store is an immutable, in-memory command documentation index.
type Store struct {
	commands   map[string]Command
	categories []string // Sorted.
}

// cacheFile is the on-disk shape: a map of command name to record, with the
// name possibly omitted inside each record.
type cacheFile struct {
	Commands map[string]Command `json:"commands"`
}

// Load reads a schema cache file. The file is produced by the external
// documentation pipeline; this side only consumes it.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema cache %s: %w", path, err)
	}

	var cache cacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing schema cache %s: %w", path, err)
	}
	return New(cache.Commands), nil
}

// New builds a Store from a command map.
func New(commands map[string]Command) *Store {
	s := &Store{commands: make(map[string]Command, len(commands))}

	catSet := map[string]bool{}
	for name, cmd := range commands {
		cmd.Name = name
		if cmd.Category == "" {
			cmd.Category = "Uncategorized"
		}
		s.commands[name] = cmd
		catSet[cmd.Category] = true
	}
	for cat := range catSet {
		s.categories = append(s.categories, cat)
	}
	sort.Strings(s.categories)
	return s
}

// Len returns the number of known commands.
func (s *Store) Len() int { return len(s.commands) }

// ResolveDialect implements archicad.DialectResolver.
func (s *Store) ResolveDialect(command string) (archicad.Dialect, bool) {
	cmd, ok := s.commands[strings.TrimPrefix(command, "API.")]
	if !ok {
		if cmd, ok = s.commands[command]; !ok {
			return 0, false
		}
	}
	if cmd.API == "builtin" {
		return archicad.DialectBuiltin, true
	}
	return archicad.DialectTapir, true
}

// Get returns the full record for one command, or false when unknown.
func (s *Store) Get(name string) (Command, bool) {
	cmd, ok := s.commands[name]
	return cmd, ok
}

// Summary returns an overview: total command count and per-category counts.
func (s *Store) Summary() map[string]any {
	counts := map[string]int{}
	for _, cmd := range s.commands {
		counts[cmd.Category]++
	}
	return map[string]any{
		"total_commands": len(s.commands),
		"categories":     counts,
		"tip":            "Use get_docs(category='...') to browse commands in a category",
	}
}

// Category lists the commands in one category, with name and description
// only. Unknown categories come back with similar-name suggestions.
func (s *Store) Category(category string) map[string]any {
	type brief struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var matches []brief
	for _, cmd := range s.commands {
		if cmd.Category == category {
			matches = append(matches, brief{Name: cmd.Name, Description: cmd.Description})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	out := map[string]any{
		"category": category,
		"total":    len(matches),
		"commands": matches,
	}
	if len(matches) == 0 {
		if similar := similarStrings(category, s.categories, 3); len(similar) > 0 {
			out["suggestion"] = fmt.Sprintf("Category not found. Did you mean: %s?", strings.Join(similar, ", "))
		} else {
			out["suggestion"] = "Category not found. Use get_docs() to list categories"
		}
	}
	return out
}

// Search finds commands whose name or description contains every word of
// the query, case-insensitively. Results are capped at limit.
func (s *Store) Search(query string, limit int) map[string]any {
	if limit <= 0 {
		limit = 20
	}
	words := strings.Fields(strings.ToLower(query))

	type hit struct {
		Name        string `json:"name"`
		API         string `json:"api"`
		Category    string `json:"category"`
		Description string `json:"description"`
	}
	var hits []hit
	for _, cmd := range s.commands {
		haystack := strings.ToLower(cmd.Name + " " + cmd.Description + " " + cmd.Category)
		matched := true
		for _, w := range words {
			if !strings.Contains(haystack, w) {
				matched = false
				break
			}
		}
		if matched {
			hits = append(hits, hit{Name: cmd.Name, API: cmd.API, Category: cmd.Category, Description: cmd.Description})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Name < hits[j].Name })

	total := len(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := map[string]any{
		"query":    query,
		"total":    total,
		"commands": hits,
	}
	if total == 0 {
		out["suggestion"] = "No commands matched. Try a shorter keyword, or get_docs() for an overview"
	} else if total > limit {
		out["tip"] = fmt.Sprintf("%d results truncated to %d. Narrow the query", total, limit)
	}
	return out
}

// SimilarCommands returns up to limit command names resembling query, for
// "did you mean" suggestions.
func (s *Store) SimilarCommands(query string, limit int) []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return similarStrings(query, names, limit)
}

// similarStrings ranks candidates by case-insensitive substring containment
// in either direction. Cheap, and good enough for typo suggestions.
func similarStrings(query string, candidates []string, limit int) []string {
	q := strings.ToLower(query)
	var out []string
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if strings.Contains(lc, q) || strings.Contains(q, lc) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
