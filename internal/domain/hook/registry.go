package hook

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GameID identifies a game by its 4-byte ROM code and revision.
type GameID struct {
	Code     [4]byte
	Revision uint8
}

// String formats the id as CODE_RR, e.g. "B4BE_00".
func (g GameID) String() string {
	return fmt.Sprintf("%s_%02x", string(g.Code[:]), g.Revision)
}

// ParseGameID parses the CODE_RR form produced by String.
func ParseGameID(s string) (GameID, error) {
	code, rev, ok := strings.Cut(s, "_")
	if !ok || len(code) != 4 {
		return GameID{}, fmt.Errorf("invalid game id %q", s)
	}
	n, err := strconv.ParseUint(rev, 16, 8)
	if err != nil {
		return GameID{}, fmt.Errorf("invalid game id %q: %w", s, err)
	}
	var id GameID
	copy(id.Code[:], code)
	id.Revision = uint8(n)
	return id, nil
}

// ConfigError reports an unusable hook configuration.
type ConfigError struct {
	Game    GameID
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("hook table %s: missing %s", e.Game, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("hook table %s: %s", e.Game, e.Reason)
}

// Registry holds hook tables keyed by game identity.
type Registry struct {
	tables map[GameID]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[GameID]*Table)}
}

// Register adds a table; registering an identity twice is an error.
func (r *Registry) Register(t *Table) error {
	if _, ok := r.tables[t.ID()]; ok {
		return &ConfigError{Game: t.ID(), Reason: "registered twice"}
	}
	r.tables[t.ID()] = t
	return nil
}

// Lookup returns the table for id without validating it.
func (r *Registry) Lookup(id GameID) (*Table, bool) {
	t, ok := r.tables[id]
	return t, ok
}

// IDs returns registered identities sorted by their string form.
func (r *Registry) IDs() []GameID {
	ids := make([]GameID, 0, len(r.tables))
	for id := range r.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Resolve finds and validates the table for a ROM. A table CRC of zero
// accepts any image.
func (r *Registry) Resolve(id GameID, crc uint32, mode Mode) (*Table, error) {
	t, ok := r.tables[id]
	if !ok {
		return nil, &ConfigError{Game: id, Reason: "unsupported game"}
	}
	if t.CRC32() != 0 && t.CRC32() != crc {
		return nil, &ConfigError{Game: id, Reason: fmt.Sprintf("crc32 mismatch: want %08x, got %08x", t.CRC32(), crc)}
	}
	if err := t.Validate(mode); err != nil {
		return nil, err
	}
	return t, nil
}
