package lockstep

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
)

type captureOutbox struct {
	mu      sync.Mutex
	packets []input.Packet
	fail    error
}

func (o *captureOutbox) Post(p input.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.packets = append(o.packets, p)
	return nil
}

func newTestSync(role state.Role) (*Synchronizer, *captureOutbox) {
	out := &captureOutbox{}
	s := New(Config{Role: role, Round: 0, WaitTimeout: 20 * time.Millisecond, PendingLimit: 4}, out)
	return s, out
}

func remote(tick input.Tick) input.Packet {
	return input.Packet{Tick: tick, Joyflags: input.ButtonB}
}

func TestSynchronizer_PairsByTick(t *testing.T) {
	s, out := newTestSync(state.Initiator)
	ctx := context.Background()

	var observed []input.Tick
	s.Observe(func(r Resolution) { observed = append(observed, r.Tick) })

	for tick := input.Tick(0); tick < 5; tick++ {
		require.NoError(t, s.Deliver(ctx, remote(tick)))
		res, err := s.Exchange(ctx, Local{Joyflags: input.ButtonA})
		require.NoError(t, err)
		assert.Equal(t, tick, res.Tick)
		assert.Equal(t, tick, res.Local.Tick)
		assert.Equal(t, tick, res.Remote.Tick)
		assert.Equal(t, input.ButtonB, res.Remote.Joyflags)
	}

	assert.Equal(t, []input.Tick{0, 1, 2, 3, 4}, observed)
	assert.Len(t, out.packets, 5)
	assert.Equal(t, input.Tick(5), s.NextTick())
	assert.Equal(t, input.Tick(5), s.Resolved())
}

func TestSynchronizer_DuplicateDiscarded(t *testing.T) {
	s, _ := newTestSync(state.Initiator)
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, remote(0)))
	require.NoError(t, s.Deliver(ctx, input.Packet{Tick: 0, Joyflags: input.ButtonStart}))

	res, err := s.Exchange(ctx, Local{})
	require.NoError(t, err)
	assert.Equal(t, input.ButtonB, res.Remote.Joyflags, "first arrival wins")
	assert.Equal(t, 1, s.Stats().Duplicates)
}

func TestSynchronizer_ProtocolErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("gap", func(t *testing.T) {
		s, _ := newTestSync(state.Initiator)
		err := s.Deliver(ctx, remote(1))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, input.Tick(1), perr.Tick)
	})

	t.Run("wrong round", func(t *testing.T) {
		s, _ := newTestSync(state.Initiator)
		p := remote(0)
		p.Round = 3
		var perr *ProtocolError
		require.ErrorAs(t, s.Deliver(ctx, p), &perr)
	})
}

func TestSynchronizer_DesyncNotCommitted(t *testing.T) {
	s, _ := newTestSync(state.Initiator)
	ctx := context.Background()

	resolved := 0
	s.Observe(func(Resolution) { resolved++ })

	require.NoError(t, s.Deliver(ctx, input.Packet{Tick: 0, Checksum: 1, HasChecksum: true}))
	_, err := s.Exchange(ctx, Local{Checksum: 2, HasChecksum: true})

	var derr *DesyncError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, input.Tick(0), derr.Tick)
	assert.Equal(t, uint32(2), derr.Local)
	assert.Equal(t, uint32(1), derr.Remote)
	assert.Zero(t, resolved)
	assert.Equal(t, input.Tick(0), s.Resolved())

	_, err = s.Submit(Local{})
	assert.ErrorAs(t, err, &derr, "synchronizer stays closed with the desync")
}

func TestSynchronizer_StallReportedOncePerTick(t *testing.T) {
	s, _ := newTestSync(state.Initiator)
	ctx := context.Background()

	_, err := s.Submit(Local{})
	require.NoError(t, err)

	stalls := 0
	for i := 0; i < 4; i++ {
		_, err = s.Await(ctx)
		var stall *StallError
		if errors.As(err, &stall) {
			stalls++
			assert.Equal(t, input.Tick(0), stall.Tick)
			continue
		}
		assert.ErrorIs(t, err, ErrStillWaiting)
	}
	assert.Equal(t, 1, stalls)

	require.NoError(t, s.Deliver(ctx, remote(0)))
	res, err := s.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, input.Tick(0), res.Tick)

	// A new tick may stall again.
	_, err = s.Submit(Local{})
	require.NoError(t, err)
	_, err = s.Await(ctx)
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, input.Tick(1), stall.Tick)
	assert.Equal(t, 2, s.Stats().Stalls)
}

func TestSynchronizer_SubmitTwiceWithoutResolution(t *testing.T) {
	s, _ := newTestSync(state.Initiator)
	_, err := s.Submit(Local{})
	require.NoError(t, err)
	_, err = s.Submit(Local{})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	_, err = New(DefaultConfig(), &captureOutbox{}).Await(context.Background())
	assert.ErrorIs(t, err, ErrNotSubmitted)
}

func TestSynchronizer_OutboxFull(t *testing.T) {
	s, out := newTestSync(state.Initiator)
	out.fail = ErrOutboundFull

	_, err := s.Submit(Local{})
	assert.ErrorIs(t, err, ErrOutboundFull)

	out.fail = nil
	p, err := s.Submit(Local{})
	require.NoError(t, err)
	assert.Equal(t, input.Tick(0), p.Tick)
}

func TestSynchronizer_DeliverBackpressure(t *testing.T) {
	s, _ := newTestSync(state.Initiator) // PendingLimit 4
	ctx := context.Background()

	for tick := input.Tick(0); tick < 4; tick++ {
		require.NoError(t, s.Deliver(ctx, remote(tick)))
	}

	delivered := make(chan error, 1)
	go func() { delivered <- s.Deliver(ctx, remote(4)) }()

	select {
	case <-delivered:
		t.Fatal("deliver should block while the pending buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := s.Exchange(ctx, Local{})
	require.NoError(t, err)

	select {
	case err := <-delivered:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("deliver did not resume after the emulator consumed a packet")
	}
}

func TestSynchronizer_CloseReleasesWait(t *testing.T) {
	s := New(Config{WaitTimeout: time.Hour}, &captureOutbox{})
	_, err := s.Submit(Local{})
	require.NoError(t, err)

	cause := errors.New("peer went away")
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close(cause)
	}()

	start := time.Now()
	_, err = s.Await(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), time.Second)

	s.Close(errors.New("second cause ignored"))
	assert.ErrorIs(t, s.Err(), cause)
}

func TestSynchronizer_SharedRNGAuthority(t *testing.T) {
	ctx := context.Background()

	authority, aOut := newTestSync(state.Initiator)
	follower, fOut := newTestSync(state.Responder)

	_, err := authority.Submit(Local{SharedRNG: 0xabcd, HasSharedRNG: true})
	require.NoError(t, err)
	_, err = follower.Submit(Local{SharedRNG: 0x1111, HasSharedRNG: true})
	require.NoError(t, err)

	require.True(t, aOut.packets[0].HasSharedRNG)
	require.False(t, fOut.packets[0].HasSharedRNG, "the follower never transmits its RNG")

	require.NoError(t, authority.Deliver(ctx, fOut.packets[0]))
	require.NoError(t, follower.Deliver(ctx, aOut.packets[0]))

	ar, err := authority.Await(ctx)
	require.NoError(t, err)
	fr, err := follower.Await(ctx)
	require.NoError(t, err)

	assert.True(t, fr.HasSharedRNG)
	assert.Equal(t, uint32(0xabcd), fr.SharedRNG)
	assert.Equal(t, ar.SharedRNG, fr.SharedRNG)
}

// Two synchronizers connected through goroutines with random delays must
// always commit matching tick pairs.
func TestSynchronizer_RandomInterleavingsKeepTicksAligned(t *testing.T) {
	const ticks = 200

	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		delays := make([]time.Duration, 4*ticks)
		for i := range delays {
			delays[i] = time.Duration(rng.Intn(200)) * time.Microsecond
		}

		toA := make(chan input.Packet, ticks)
		toB := make(chan input.Packet, ticks)
		cfg := Config{WaitTimeout: 5 * time.Millisecond, PendingLimit: 2}
		cfgA, cfgB := cfg, cfg
		cfgA.Role, cfgB.Role = state.Initiator, state.Responder

		a := New(cfgA, OutboxFunc(func(p input.Packet) error { toB <- p; return nil }))
		b := New(cfgB, OutboxFunc(func(p input.Packet) error { toA <- p; return nil }))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var wg sync.WaitGroup
		pump := func(dst *Synchronizer, src chan input.Packet, off int) {
			defer wg.Done()
			for i := 0; i < ticks; i++ {
				time.Sleep(delays[off+i])
				select {
				case p := <-src:
					if err := dst.Deliver(ctx, p); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
		wg.Add(2)
		go pump(a, toA, 0)
		go pump(b, toB, ticks)

		run := func(s *Synchronizer, off int, out *[]Resolution) {
			defer wg.Done()
			for i := 0; i < ticks; i++ {
				time.Sleep(delays[off+i])
				if _, err := s.Submit(Local{Joyflags: input.Joyflags(i), SharedRNG: uint32(i * 7), HasSharedRNG: true}); err != nil {
					return
				}
				for {
					res, err := s.Await(ctx)
					if err == nil {
						*out = append(*out, res)
						break
					}
					var stall *StallError
					if errors.As(err, &stall) || errors.Is(err, ErrStillWaiting) {
						continue
					}
					return
				}
			}
		}
		var resA, resB []Resolution
		wg.Add(2)
		go run(a, 2*ticks, &resA)
		go run(b, 3*ticks, &resB)
		wg.Wait()
		cancel()

		require.Len(t, resA, ticks, "seed %d", seed)
		require.Len(t, resB, ticks, "seed %d", seed)
		for i := 0; i < ticks; i++ {
			tick := input.Tick(i)
			assert.Equal(t, tick, resA[i].Local.Tick)
			assert.Equal(t, tick, resA[i].Remote.Tick)
			assert.Equal(t, tick, resB[i].Local.Tick)
			assert.Equal(t, tick, resB[i].Remote.Tick)
			assert.Equal(t, resA[i].Local.Joyflags, resB[i].Remote.Joyflags)
			assert.Equal(t, resA[i].SharedRNG, resB[i].SharedRNG)
		}
	}
}

func TestSynchronizer_CloseRemoteDrainsDelivered(t *testing.T) {
	s, _ := newTestSync(state.Responder)
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, remote(0)))
	require.NoError(t, s.Deliver(ctx, remote(1)))
	s.CloseRemote()

	for tick := input.Tick(0); tick < 2; tick++ {
		res, err := s.Exchange(ctx, Local{})
		require.NoError(t, err)
		assert.Equal(t, tick, res.Tick)
	}

	_, err := s.Exchange(ctx, Local{})
	assert.ErrorIs(t, err, ErrPeerGone)
	assert.Equal(t, input.Tick(2), s.Resolved())
}
