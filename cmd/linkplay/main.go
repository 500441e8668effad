// Command linkplay links two emulated handhelds over the internet in
// lockstep and manages the replays they record.
//
//	linkplay host [flags]            wait for a peer and play
//	linkplay join [flags] <url>      connect to a waiting peer and play
//	linkplay demo [flags]            play both sides locally
//	linkplay replay info <file>      print a replay header
//	linkplay replay verify <file>    re-run a replay and compare
//	linkplay replay index [dir]      add replay files to the index
//	linkplay replay list [flags]     browse the index
//	linkplay rom <file>              identify a cartridge image
//	linkplay games                   list bundled hook tables
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/infrastructure/config"
)

var errUsage = errors.New(`usage: linkplay <host|join|demo|replay|rom|games> [flags]`)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	settings, err := config.ParseEnv()
	if err != nil {
		return err
	}

	switch args[0] {
	case "host", "join":
		return runPlay(ctx, args[0], settings, args[1:], out)
	case "demo":
		return runDemo(ctx, settings, args[1:], out)
	case "replay":
		return runReplay(ctx, settings, args[1:], out)
	case "rom":
		return runROM(settings, args[1:], out)
	case "games":
		return runGames(settings, out)
	default:
		return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
	}
}

// loadRegistry reads the bundled hook tables, or the ones in
// LINKPLAY_GAMES_DIR when set.
func loadRegistry(s config.Settings) (*hook.Registry, error) {
	if s.GamesDir != "" {
		return config.NewLoader(s.GamesDir).LoadRegistry()
	}
	fsys, err := fs.Sub(configFS, "configs")
	if err != nil {
		return nil, fmt.Errorf("failed to get config subfs: %w", err)
	}
	return config.NewFSLoader(fsys, "configs").LoadRegistry()
}

func hookMode(s config.Settings) (hook.Mode, error) {
	return hook.ParseMode(s.HookMode)
}

func runGames(s config.Settings, out io.Writer) error {
	mode, err := hookMode(s)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(s)
	if err != nil {
		return err
	}
	for _, id := range reg.IDs() {
		t, _ := reg.Lookup(id)
		caps := t.Capabilities()
		var extras []string
		if caps.LinkPayload {
			extras = append(extras, "link-payload")
		}
		if caps.PlayerIndex {
			extras = append(extras, "player-index")
		}
		if caps.MatchEnd {
			extras = append(extras, "match-end")
		}
		status := "ok"
		if err := t.Validate(mode); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", id, t.Title(), strings.Join(extras, ","), status)
	}
	return nil
}
