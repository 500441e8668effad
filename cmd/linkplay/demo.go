package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"

	"github.com/younwookim/linkplay/internal/application/session"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/config"
	"github.com/younwookim/linkplay/internal/infrastructure/keypad"
	"github.com/younwookim/linkplay/internal/infrastructure/refcore"
	"github.com/younwookim/linkplay/internal/infrastructure/replaystore"
	"github.com/younwookim/linkplay/internal/infrastructure/transport"
)

// demoSide is one of the two in-process players.
type demoSide struct {
	name string
	role state.Role
	in   session.InputSource
	core *refcore.Core
	sess *session.Session
	err  error
}

// runDemo plays the built-in duel against itself over an in-memory link.
// Each side records into its own subdirectory of the replay directory.
func runDemo(ctx context.Context, s config.Settings, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("demo", flag.ContinueOnError)
	fset.SetOutput(out)
	fset.IntVar(&s.BestOf, "best-of", s.BestOf, "maximum number of rounds")
	fset.StringVar(&s.ReplayDir, "replays", s.ReplayDir, "replay directory")
	fset.StringVar(&s.IndexPath, "index", s.IndexPath, "replay index database")
	seed := fset.Uint("seed", 0, "shared RNG seed; zero draws one")
	ticks := fset.Uint("ticks", 300, "round length")
	desyncAt := fset.Int("desync-at", -1, "corrupt the guest's battle state at this tick")
	verbose := fset.Bool("v", false, "log session events")
	if err := fset.Parse(args); err != nil {
		return err
	}

	table, err := refTable(s)
	if err != nil {
		return err
	}
	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(out, "", log.Lmicroseconds)
	}

	// The peers never wait on each other over a pipe, so keepalive only
	// adds noise.
	s.HeartbeatInterval = 0
	s.LivenessTimeout = 0

	store, closeIndex := openIndex(s, logger)
	defer closeIndex()

	a, b := transport.NewPipe(s.OutboundQueue)
	sides := []*demoSide{
		{name: "host", role: state.Initiator, in: keypad.Autopilot{Button: input.ButtonA, Every: 3}},
		{name: "guest", role: state.Responder, in: keypad.Autopilot{Button: input.ButtonA, Every: 4, Offset: 1}},
	}
	links := []transport.Transport{a, b}

	for i, side := range sides {
		cfg, err := sessionConfig(s, side.role)
		if err != nil {
			return err
		}
		cfg.Nickname = side.name
		cfg.Seed = uint32(*seed)

		opts := refcore.Options{StartHP: 1000, MaxTicks: uint32(*ticks), LocalSeed: uint32(i + 1), CorruptAt: -1}
		if side.role == state.Responder {
			opts.CorruptAt = *desyncAt
		}
		side.core = refcore.New(opts)

		side.sess, err = session.New(cfg, session.Deps{
			Table:     table,
			Transport: links[i],
			Input:     side.in,
			Replays:   replaystore.Sink{Dir: filepath.Join(s.ReplayDir, side.name), Store: store},
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer side.sess.Close()
		if err := side.sess.Attach(side.core); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, side := range sides {
		wg.Add(1)
		go func(side *demoSide) {
			defer wg.Done()
			if err := side.sess.Start(ctx); err != nil {
				side.err = err
				return
			}
			side.err = side.sess.Drive(ctx, side.core, 0)
		}(side)
	}
	wg.Wait()

	for _, side := range sides {
		fmt.Fprintf(out, "[%s] ", side.name)
		report(out, side.sess.Outcome(), side.sess.Stats(), side.sess.ReplayPaths())
		if side.err != nil {
			return fmt.Errorf("%s: %w", side.name, side.err)
		}
	}
	return sides[0].sess.Err()
}
