package config

import (
	"fmt"
	"strconv"
	"strings"
)

// GameFile is the root of games/<CODE_RR>.json.
type GameFile struct {
	Game    string                `json:"game"`
	Title   string                `json:"title"`
	CRC32   Hex                   `json:"crc32"`
	Hooks   map[string]Hex        `json:"hooks"`
	Regions map[string]RegionSpec `json:"regions"`
}

// RegionSpec is a bounded memory area.
type RegionSpec struct {
	Addr Hex    `json:"addr"`
	Size uint32 `json:"size"`
}

// Hex is a 32-bit value written as a "0x..." string or a plain number.
type Hex uint32

// UnmarshalJSON accepts "0x08006710", "08006710" or 134244112.
func (h *Hex) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	base := 10
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
		base = 16
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		*h = 0
		return nil
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", string(b), err)
	}
	*h = Hex(n)
	return nil
}

// MarshalJSON writes the quoted hex form.
func (h Hex) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"0x%08x"`, uint32(h))), nil
}
