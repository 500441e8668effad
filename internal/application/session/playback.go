package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/emu"
	"github.com/younwookim/linkplay/internal/domain/hook"
)

// Playback re-runs a recorded round on core. The core is restored to the
// round's start snapshot, the recorded remote side is fed through a
// replay.Player and the local joyflags come from the log. It returns the
// log recorded during playback, which matches l when the core is
// deterministic.
func Playback(ctx context.Context, l *replay.Log, table *hook.Table, core emu.Adapter, logger *log.Logger) (*replay.Log, error) {
	if len(l.Snapshot) == 0 {
		return nil, errors.New("replay has no start snapshot")
	}
	role, err := state.ParseRole(l.Header.Role)
	if err != nil {
		return nil, err
	}
	player, err := replay.NewPlayer(l)
	if err != nil {
		return nil, err
	}
	if err := core.Restore(l.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to restore start snapshot: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Role = role
	cfg.Nickname = l.Header.Local.Nickname
	cfg.Seed = l.Header.Seed
	cfg.MatchID = l.Header.MatchID
	cfg.FirstRound = l.Header.Round
	cfg.BestOf = 1
	cfg.SnapshotInterval = l.Header.SnapshotInterval
	cfg.HeartbeatInterval = 0
	cfg.LivenessTimeout = 0
	// Every remote message is already available, so any wait means the
	// recording ended there.
	cfg.WaitTimeout = 250 * time.Millisecond
	cfg.StartTimeout = 2 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.StallPolicy = StallEscalate

	s, err := New(cfg, Deps{
		Table:     table,
		Transport: player,
		Input:     player.Inputs(),
		Logger:    logger,
		ROMCRC:    l.Header.Game.CRC32,
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Attach(core); err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	if err := s.Drive(ctx, core, 0); err != nil {
		return nil, err
	}

	logs := s.Logs()
	if len(logs) == 0 {
		return nil, fmt.Errorf("playback ended without a round: %s", s.Outcome())
	}
	if n := player.Remaining(); n > 0 {
		s.logger.Printf("[session] playback stopped at tick %d of %d with %d recorded messages unread",
			len(logs[0].Records), player.Inputs().TotalTicks(), n)
	}
	return logs[0], nil
}

// Verify plays l back and reports the first diverging tick.
func Verify(ctx context.Context, l *replay.Log, table *hook.Table, core emu.Adapter, logger *log.Logger) error {
	got, err := Playback(ctx, l, table, core, logger)
	if err != nil {
		return err
	}
	if tick := replay.Diff(l, got); tick >= 0 {
		return fmt.Errorf("replay diverges at tick %d (%d recorded, %d replayed)", tick, len(l.Records), len(got.Records))
	}
	return nil
}
