package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/hajimehoshi/ebiten/v2"

	"github.com/younwookim/linkplay/internal/application/game"
	"github.com/younwookim/linkplay/internal/application/scene/monitor"
	"github.com/younwookim/linkplay/internal/application/session"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/config"
	"github.com/younwookim/linkplay/internal/infrastructure/keypad"
	"github.com/younwookim/linkplay/internal/infrastructure/refcore"
	"github.com/younwookim/linkplay/internal/infrastructure/replaystore"
	"github.com/younwookim/linkplay/internal/infrastructure/telemetry"
	"github.com/younwookim/linkplay/internal/infrastructure/transport"
)

const (
	screenWidth  = 320
	screenHeight = 240
)

// sessionConfig maps the operator settings onto match parameters.
func sessionConfig(s config.Settings, role state.Role) (session.Config, error) {
	policy, err := session.ParseStallPolicy(s.StallPolicy)
	if err != nil {
		return session.Config{}, err
	}
	mode, err := hookMode(s)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.DefaultConfig()
	cfg.Role = role
	cfg.Nickname = s.Nickname
	cfg.BestOf = s.BestOf
	cfg.WaitTimeout = s.WaitTimeout
	cfg.StartTimeout = s.StartTimeout
	cfg.DrainTimeout = s.DrainTimeout
	cfg.HandshakeTimeout = s.HandshakeTimeout
	cfg.HeartbeatInterval = s.HeartbeatInterval
	cfg.LivenessTimeout = s.LivenessTimeout
	cfg.PendingLimit = s.PendingLimit
	cfg.OutboundQueue = s.OutboundQueue
	cfg.StallPolicy = policy
	cfg.SnapshotInterval = s.SnapshotInterval
	cfg.HookMode = mode
	return cfg, nil
}

// openIndex opens the replay index. A broken index does not stop play;
// the sink then writes files only.
func openIndex(s config.Settings, logger *log.Logger) (*replaystore.Store, func()) {
	store, err := replaystore.Open(s.IndexPath)
	if err != nil {
		logger.Printf("replay index unavailable, saving files only: %v", err)
		return nil, func() {}
	}
	return store, func() { _ = store.Close() }
}

// refTable returns the hook table of the built-in duel.
func refTable(s config.Settings) (*hook.Table, error) {
	reg, err := loadRegistry(s)
	if err != nil {
		return nil, err
	}
	if t, ok := reg.Lookup(refcore.ID); ok {
		return t, nil
	}
	return refcore.HookTable()
}

// watchLink logs connection changes until the link is down or ctx ends.
func watchLink(ctx context.Context, states <-chan transport.State, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			logger.Printf("[transport] link %s", st)
			if st == transport.Disconnected {
				return
			}
		}
	}
}

func launchStatsview(addr string, out io.Writer) {
	if addr == "" {
		return
	}
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(addr))
		mgr := statsview.New()
		mgr.Start()
	}()
	fmt.Fprintf(out, "stats server available at %s/debug/statsview\n", addr)
}

func runPlay(ctx context.Context, mode string, s config.Settings, args []string, out io.Writer) error {
	fset := flag.NewFlagSet(mode, flag.ContinueOnError)
	fset.SetOutput(out)
	fset.StringVar(&s.Nickname, "name", s.Nickname, "nickname shown to the peer")
	fset.IntVar(&s.BestOf, "best-of", s.BestOf, "maximum number of rounds")
	fset.StringVar(&s.StallPolicy, "stall", s.StallPolicy, "stall policy: wait or escalate")
	fset.StringVar(&s.ListenAddr, "listen", s.ListenAddr, "address to wait on (host)")
	fset.StringVar(&s.Ticket, "ticket", s.Ticket, "shared secret the joining peer presents")
	fset.StringVar(&s.ReplayDir, "replays", s.ReplayDir, "replay directory")
	seed := fset.Uint("seed", 0, "shared RNG seed when hosting; zero draws one")
	ticks := fset.Uint("ticks", 600, "round length of the built-in duel")
	frame := fset.Duration("frame", time.Second/60, "emulator frame period")
	window := fset.Bool("window", false, "show the status window")
	keys := fset.String("keys", "", "key bindings, e.g. A=J,start=Space")
	stats := fset.String("statsview", "", "serve runtime charts on this address")
	if err := fset.Parse(args); err != nil {
		return err
	}

	role := state.Initiator
	var url string
	if mode == "join" {
		role = state.Responder
		if url = fset.Arg(0); url == "" {
			return errors.New("usage: linkplay join [flags] <ws://host:port>")
		}
	}

	cfg, err := sessionConfig(s, role)
	if err != nil {
		return err
	}
	cfg.Seed = uint32(*seed)
	table, err := refTable(s)
	if err != nil {
		return err
	}
	keyMap := keypad.DefaultKeyMap()
	if *keys != "" {
		if keyMap, err = keypad.ParseKeyMap(*keys); err != nil {
			return err
		}
	}

	logger := log.New(out, "", log.LstdFlags)
	shutdown, err := telemetry.Setup(ctx, s.ServiceName, s.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
	launchStatsview(*stats, out)

	var tr transport.Transport
	topts := transport.Options{Logger: logger}
	if mode == "host" {
		ln, err := transport.Listen(s.ListenAddr, []byte(s.Ticket), topts)
		if err != nil {
			return err
		}
		defer ln.Close()
		fmt.Fprintf(out, "waiting for a peer on ws://%s\n", ln.Addr())
		ws, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		tr = ws
	} else {
		ws, err := transport.Dial(ctx, url, transport.DialOptions{Options: topts, Ticket: []byte(s.Ticket)})
		if err != nil {
			return err
		}
		tr = ws
	}

	store, closeIndex := openIndex(s, logger)
	defer closeIndex()
	sink := replaystore.Sink{Dir: s.ReplayDir, Store: store}

	var in session.InputSource = keypad.Autopilot{Button: input.ButtonA, Every: 9, Offset: input.Tick(role)}
	pad := &keypad.Shared{}
	if *window {
		in = pad
	}
	core := refcore.New(refcore.Options{
		StartHP:   1000,
		MaxTicks:  uint32(*ticks),
		LocalSeed: uint32(time.Now().UnixNano()),
		CorruptAt: -1,
	})

	sess, err := session.New(cfg, session.Deps{
		Table:     table,
		Transport: tr,
		Input:     in,
		Replays:   sink,
		Logger:    logger,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer sess.Close()
	if err := sess.Attach(core); err != nil {
		return err
	}

	matchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchLink(matchCtx, tr.States(), logger)
	played := make(chan error, 1)
	go func() {
		if err := sess.Start(matchCtx); err != nil {
			played <- err
			return
		}
		played <- sess.Drive(matchCtx, core, *frame)
	}()

	if *window {
		env := &monitor.Env{Source: sess, Keys: keyMap, Pad: pad, MaxTicks: int(*ticks), Title: table.Title()}
		ebiten.SetWindowSize(screenWidth*2, screenHeight*2)
		ebiten.SetWindowTitle("linkplay - " + table.Title())
		if err := ebiten.RunGame(game.New(monitor.Start(env), screenWidth, screenHeight)); err != nil {
			logger.Printf("window: %v", err)
		}
		sess.Abort("window closed")
		cancel()
	}

	err = <-played
	report(out, sess.Outcome(), sess.Stats(), sess.ReplayPaths())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return sess.Err()
}

func report(out io.Writer, o state.Outcome, st session.Stats, paths []string) {
	fmt.Fprintln(out, monitor.Headline(o))
	fmt.Fprintf(out, "rounds %d  wins %d  losses %d  draws %d  ticks %d  stalls %d\n",
		st.Rounds, st.Wins, st.Losses, st.Draws, st.Ticks, st.Stalls)
	for _, p := range paths {
		fmt.Fprintf(out, "replay %s\n", filepath.ToSlash(p))
	}
}
