package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/younwookim/linkplay/internal/domain/hook"
)

// Loader loads hook tables from JSON files using fs.FS interface
type Loader struct {
	fsys     fs.FS
	basePath string
}

// NewLoader creates a new config loader from filesystem path
func NewLoader(basePath string) *Loader {
	return &Loader{
		fsys:     os.DirFS(basePath),
		basePath: basePath,
	}
}

// NewFSLoader creates a new config loader from fs.FS
func NewFSLoader(fsys fs.FS, basePath string) *Loader {
	return &Loader{
		fsys:     fsys,
		basePath: basePath,
	}
}

// LoadGame loads games/<id>.json, e.g. LoadGame("B4BE_00")
func (l *Loader) LoadGame(id string) (*hook.Table, error) {
	p := "games/" + id + ".json"
	data, err := fs.ReadFile(l.fsys, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read game %s: %w", id, err)
	}

	var gf GameFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("failed to parse game %s: %w", id, err)
	}
	if gf.Game == "" {
		gf.Game = id
	}
	return gf.Table()
}

// LoadRegistry loads every games/*.json into a registry
func (l *Loader) LoadRegistry() (*hook.Registry, error) {
	names, err := fs.Glob(l.fsys, "games/*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list games in %s: %w", l.basePath, err)
	}
	sort.Strings(names)

	reg := hook.NewRegistry()
	for _, name := range names {
		id := path.Base(name)
		id = id[:len(id)-len(".json")]
		t, err := l.LoadGame(id)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Table converts the file into a hook table. Unknown hook or region names
// are rejected; a zero address leaves the entry uninstalled.
func (gf GameFile) Table() (*hook.Table, error) {
	id, err := hook.ParseGameID(gf.Game)
	if err != nil {
		return nil, err
	}
	hooks := make(map[hook.Event]hook.Address, len(gf.Hooks))
	for name, addr := range gf.Hooks {
		hooks[hook.Event(name)] = hook.Address(addr)
	}
	regions := make(map[hook.Region]hook.Span, len(gf.Regions))
	for name, r := range gf.Regions {
		regions[hook.Region(name)] = hook.Span{Addr: hook.Address(r.Addr), Size: r.Size}
	}
	return hook.NewTable(id, gf.Title, uint32(gf.CRC32), hooks, regions)
}
