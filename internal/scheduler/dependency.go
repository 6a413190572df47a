package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"
)

// CommentKey marks entries that are ignored at every level of a dependency source.
const CommentKey = "_comment"

// LoadError reports an unreadable or malformed dependency source.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading dependency table from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DependencyTable maps a blocked (role, role command) pair to the pairs that
// must not be present in the same execution group. It is read-only once built.
type DependencyTable struct {
	blockers map[RoleKey][]RoleKey
}

// NewDependencyTable builds a table from already-parsed entries.
// A nil or empty map yields an empty table.
func NewDependencyTable(entries map[RoleKey][]RoleKey) *DependencyTable {
	t := &DependencyTable{blockers: make(map[RoleKey][]RoleKey, len(entries))}
	for blocked, list := range entries {
		t.blockers[blocked] = appendUnique(nil, list...)
	}
	return t
}

// BlockersOf returns the blockers of key. Unknown keys have no blockers.
func (t *DependencyTable) BlockersOf(key RoleKey) []RoleKey {
	if t == nil {
		return nil
	}
	list := t.blockers[key]
	if len(list) == 0 {
		return nil
	}
	return append([]RoleKey(nil), list...)
}

// IsBlockedBy reports whether blocker appears in the blocker set of key.
func (t *DependencyTable) IsBlockedBy(key, blocker RoleKey) bool {
	if t == nil {
		return false
	}
	for _, b := range t.blockers[key] {
		if b == blocker {
			return true
		}
	}
	return false
}

// Len returns the number of blocked keys.
func (t *DependencyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.blockers)
}

// Validate checks the blocker graph for cycles. A cycle does not make the
// table unusable, since grouping only consults direct entries, but it usually
// means the source is wrong.
func (t *DependencyTable) Validate() error {
	if t.Len() == 0 {
		return nil
	}

	// Deterministic edge order keeps error messages stable
	keys := make([]RoleKey, 0, len(t.blockers))
	for k := range t.blockers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var edges []toposort.Edge
	for _, blocked := range keys {
		for _, blocker := range t.blockers[blocked] {
			// Edge (blocker, blocked): blocker must finish before blocked
			edges = append(edges, toposort.Edge{blocker.String(), blocked.String()})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency table contains a cycle: %w", err)
	}
	return nil
}

// Load parses a dependency source of the shape
//
//	{ "BLOCKED-CMD": { "group label": ["BLOCKER-CMD", ...] } }
//
// JSON and YAML are both accepted. Entries keyed by CommentKey are skipped.
func Load(r io.Reader, source string) (*DependencyTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	var doc map[string]any
	trimmed := bytes.TrimSpace(data)
	if isYAMLSource(source) {
		err = yaml.Unmarshal(trimmed, &doc)
	} else {
		err = json.Unmarshal(trimmed, &doc)
	}
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	entries, err := flatten(doc)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	return &DependencyTable{blockers: entries}, nil
}

// LoadFile reads a dependency source from disk. The extension (.yaml/.yml)
// selects YAML; anything else is parsed as JSON.
func LoadFile(path string) (*DependencyTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer f.Close()
	return Load(f, path)
}

func isYAMLSource(source string) bool {
	ext := strings.ToLower(filepath.Ext(source))
	return ext == ".yaml" || ext == ".yml"
}

func flatten(doc map[string]any) (map[RoleKey][]RoleKey, error) {
	entries := make(map[RoleKey][]RoleKey)

	for blockedStr, raw := range doc {
		if blockedStr == CommentKey {
			continue
		}
		blocked, err := ParseRoleKey(blockedStr)
		if err != nil {
			return nil, err
		}

		groups, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %q: expected an object of blocker groups, got %T", blockedStr, raw)
		}

		// Group labels are sorted so the flattened order does not depend on map iteration
		labels := make([]string, 0, len(groups))
		for label := range groups {
			if label != CommentKey {
				labels = append(labels, label)
			}
		}
		sort.Strings(labels)

		list := entries[blocked]
		for _, label := range labels {
			items, ok := groups[label].([]any)
			if !ok {
				return nil, fmt.Errorf("entry %q group %q: expected a list, got %T", blockedStr, label, groups[label])
			}
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("entry %q group %q: expected strings, got %T", blockedStr, label, item)
				}
				blocker, err := ParseRoleKey(s)
				if err != nil {
					return nil, err
				}
				list = appendUnique(list, blocker)
			}
		}
		entries[blocked] = list
	}

	return entries, nil
}

func appendUnique(list []RoleKey, keys ...RoleKey) []RoleKey {
	for _, k := range keys {
		dup := false
		for _, existing := range list {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, k)
		}
	}
	return list
}
