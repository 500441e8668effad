package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/application/session"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/infrastructure/config"
	"github.com/younwookim/linkplay/internal/infrastructure/refcore"
	"github.com/younwookim/linkplay/internal/infrastructure/replaystore"
)

var errReplayUsage = errors.New("usage: linkplay replay <info|verify|index|list> [args]")

func runReplay(ctx context.Context, s config.Settings, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errReplayUsage
	}
	switch args[0] {
	case "info":
		if len(args) < 2 {
			return errors.New("usage: linkplay replay info <file>")
		}
		return replayInfo(args[1], out)
	case "verify":
		if len(args) < 2 {
			return errors.New("usage: linkplay replay verify <file>")
		}
		return replayVerify(ctx, s, args[1], out)
	case "index":
		dir := s.ReplayDir
		if len(args) > 1 {
			dir = args[1]
		}
		return replayIndex(ctx, s, dir, out)
	case "list":
		return replayList(ctx, s, args[1:], out)
	default:
		return fmt.Errorf("unknown replay command %q\n%w", args[0], errReplayUsage)
	}
}

func replayInfo(path string, out io.Writer) error {
	h, err := replay.ReadMetadataFile(path)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "match\t%s\n", h.MatchID)
	fmt.Fprintf(w, "round\t%d\n", h.Round)
	fmt.Fprintf(w, "game\t%s %q crc32=%08x\n", h.Game.ID, h.Game.Title, h.Game.CRC32)
	fmt.Fprintf(w, "role\t%s\n", h.Role)
	fmt.Fprintf(w, "players\t%s vs %s\n", h.Local.Nickname, h.Remote.Nickname)
	fmt.Fprintf(w, "seed\t%08x\n", h.Seed)
	fmt.Fprintf(w, "started\t%s\n", h.StartTime)
	fmt.Fprintf(w, "ticks\t%d\n", h.Ticks)
	fmt.Fprintf(w, "outcome\t%s\n", h.Outcome.Outcome())
	if h.DesyncTick != nil {
		fmt.Fprintf(w, "desync\ttick %d\n", *h.DesyncTick)
	}
	return w.Flush()
}

// replayVerify re-runs a round of the built-in duel. Rounds of other
// games need their emulator core, which this command does not carry.
func replayVerify(ctx context.Context, s config.Settings, path string, out io.Writer) error {
	l, err := replay.LoadFile(path)
	if err != nil {
		return err
	}
	id, err := hook.ParseGameID(l.Header.Game.ID)
	if err != nil {
		return err
	}
	if id != refcore.ID {
		return fmt.Errorf("no emulator core for game %s", id)
	}
	table, err := refTable(s)
	if err != nil {
		return err
	}

	// The recorded round ended at its last tick either way, so the core
	// never needs to run longer.
	ticks := max(l.Header.Ticks, len(l.Records))
	core := refcore.New(refcore.Options{StartHP: 1000, MaxTicks: uint32(ticks), CorruptAt: -1})

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := session.Verify(ctx, l, table, core, log.New(io.Discard, "", 0)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(out, "%s: %d ticks replay identically\n", path, len(l.Records))
	return nil
}

func replayIndex(ctx context.Context, s config.Settings, dir string, out io.Writer) error {
	store, err := replaystore.Open(s.IndexPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.IndexDir(ctx, dir, func(path string, err error) {
		fmt.Fprintf(out, "skipped %s: %v\n", path, err)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "indexed %d replays from %s\n", n, dir)
	return nil
}

func replayList(ctx context.Context, s config.Settings, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("list", flag.ContinueOnError)
	fset.SetOutput(out)
	var f replaystore.Filter
	fset.StringVar(&f.MatchID, "match", "", "only this match")
	fset.StringVar(&f.GameID, "game", "", "only this game id")
	fset.StringVar(&f.Reason, "reason", "", "only this outcome, e.g. desync")
	fset.IntVar(&f.Limit, "limit", 20, "maximum rows")
	if err := fset.Parse(args); err != nil {
		return err
	}

	store, err := replaystore.Open(s.IndexPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMATCH\tROUND\tGAME\tPLAYERS\tTICKS\tOUTCOME\tPATH")
	for _, e := range entries {
		outcome := e.Reason
		if e.Winner != "" {
			outcome += "/" + e.Winner
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s vs %s\t%d\t%s\t%s\n",
			e.StartedAt.Format(time.DateTime), e.MatchID, e.Round, e.GameID,
			e.LocalName, e.RemoteName, e.Ticks, outcome, e.Path)
	}
	return w.Flush()
}
