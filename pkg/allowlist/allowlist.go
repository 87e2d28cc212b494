package allowlist

import (
	"fmt"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
)

// Set is the read-only set of account ids allowed to identify as receivers.
type Set struct {
	ids mapset.Set[string]
}

// New builds a set from ids, trimming surrounding whitespace. Blank ids are
// skipped.
func New(ids ...string) *Set {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s.Add(id)
	}
	return &Set{ids: s}
}

// Contains reports whether accountID may become an authorized receiver.
func (s *Set) Contains(accountID string) bool {
	if s == nil || s.ids == nil {
		return false
	}
	return s.ids.Contains(accountID)
}

// Len returns the number of allowed accounts.
func (s *Set) Len() int {
	if s == nil || s.ids == nil {
		return 0
	}
	return s.ids.Cardinality()
}

// Parse decodes a JSON array of account id strings.
func Parse(data []byte) (*Set, error) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}
	return New(ids...), nil
}

// Load reads the allowlist file at path. A missing or malformed file yields
// an empty set and the error that caused it, so callers can log and carry on.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return New(), fmt.Errorf("failed to read allowlist %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return New(), err
	}
	return s, nil
}
