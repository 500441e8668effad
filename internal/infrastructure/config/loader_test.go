package config

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younwookim/linkplay/internal/domain/hook"
)

func TestLoader_LoadGame(t *testing.T) {
	loader := NewLoader("../../../cmd/linkplay/configs")

	tbl, err := loader.LoadGame("B4BE_00")
	require.NoError(t, err)

	assert.Equal(t, "B4BE_00", tbl.ID().String())
	assert.Equal(t, "MEGAMANBN4BM", tbl.Title())
	addr, ok := tbl.Lookup(hook.RoundStart)
	require.True(t, ok)
	assert.Equal(t, hook.Address(0x08006710), addr)

	_, ok = tbl.Lookup(hook.MatchEnd)
	assert.False(t, ok, "a zero address is not installed")

	rx, ok := tbl.Region(hook.RegionRxPacket)
	require.True(t, ok)
	assert.Equal(t, hook.Span{Addr: 0x0203ac10, Size: 16}, rx)
	assert.NoError(t, tbl.Validate(hook.Lenient))
}

func TestLoader_LoadRegistry(t *testing.T) {
	loader := NewLoader("../../../cmd/linkplay/configs")

	reg, err := loader.LoadRegistry()
	require.NoError(t, err)

	var ids []string
	for _, id := range reg.IDs() {
		ids = append(ids, id.String())
	}
	assert.Equal(t, []string{"B4BE_00", "LKRC_00"}, ids)

	id, err := hook.ParseGameID("LKRC_00")
	require.NoError(t, err)
	tbl, err := reg.Resolve(id, 0x12345678, hook.Lenient)
	require.NoError(t, err)
	assert.True(t, tbl.Capabilities().LinkPayload)
}

func TestLoader_Errors(t *testing.T) {
	fsys := fstest.MapFS{
		"games/BAD0_00.json":  {Data: []byte(`{"game": "BAD0_00", "hooks": {"warp": "0x08000000"}}`)},
		"games/JUNK_00.json":  {Data: []byte(`{`)},
		"games/ADDR_00.json":  {Data: []byte(`{"hooks": {"round_start": "0xzz"}}`)},
		"games/EMTY_00.json": {Data: []byte(`{}`)},
	}
	loader := NewFSLoader(fsys, "mem")

	_, err := loader.LoadGame("BAD0_00")
	var cfgErr *hook.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = loader.LoadGame("JUNK_00")
	assert.ErrorContains(t, err, "failed to parse game JUNK_00")

	_, err = loader.LoadGame("ADDR_00")
	assert.ErrorContains(t, err, "invalid address")

	_, err = loader.LoadGame("NONE_00")
	assert.ErrorContains(t, err, "failed to read game NONE_00")

	tbl, err := loader.LoadGame("EMTY_00")
	require.NoError(t, err, "the file name supplies a missing id")
	var missing *hook.ConfigError
	require.ErrorAs(t, tbl.Validate(hook.Lenient), &missing)
	assert.Contains(t, missing.Missing, "round_start")

	_, err = loader.LoadRegistry()
	assert.Error(t, err)
}

func TestHex(t *testing.T) {
	tests := []struct {
		in   string
		want Hex
	}{
		{`"0x08006710"`, 0x08006710},
		{`"08006710"`, 0x08006710},
		{`134244112`, 0x08006710},
		{`""`, 0},
		{`null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var h Hex
			require.NoError(t, json.Unmarshal([]byte(tt.in), &h))
			assert.Equal(t, tt.want, h)
		})
	}

	b, err := json.Marshal(Hex(0x02001790))
	require.NoError(t, err)
	assert.Equal(t, `"0x02001790"`, string(b))
}
