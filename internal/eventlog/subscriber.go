package eventlog

import (
	"context"
	"sync/atomic"

	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/wire"
)

type liveSub struct {
	id     uint64
	ch     chan wire.Event
	lagCh  chan uint64
	lagged int32
}

var nextSubID uint64

func (el *EventLog) register(sessionID string) *liveSub {
	s := &liveSub{
		id:    atomic.AddUint64(&nextSubID, 1),
		ch:    make(chan wire.Event, el.bufSize),
		lagCh: make(chan uint64, 1),
	}
	el.mu.Lock()
	el.subs[sessionID] = append(el.subs[sessionID], s)
	el.mu.Unlock()
	return s
}

func (el *EventLog) unregister(sessionID string, s *liveSub) {
	el.mu.Lock()
	defer el.mu.Unlock()
	peers := el.subs[sessionID]
	for i, p := range peers {
		if p == s {
			el.subs[sessionID] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(el.subs[sessionID]) == 0 {
		delete(el.subs, sessionID)
	}
}

// Subscribe delivers live events for sessionID from the moment of the call
// onward. The returned channel is closed, and the returned cancel function
// becomes a no-op, once ctx is done or the subscriber is declared lagged.
func (el *EventLog) Subscribe(ctx context.Context, sessionID string) (<-chan Delivery, func()) {
	return el.subscribeFrom(ctx, sessionID, 0, false)
}

// SubscribeFrom replays durable events for sessionID starting at fromOffset
// (inclusive), then transitions to the live feed with no gap and no
// duplicate. The wire contract only requires this property, not that replay
// and live be merged in any particular implementation shape.
func (el *EventLog) SubscribeFrom(ctx context.Context, sessionID string, fromOffset uint64) (<-chan Delivery, func()) {
	if fromOffset == 0 {
		fromOffset = 1
	}
	return el.subscribeFrom(ctx, sessionID, fromOffset, true)
}

func (el *EventLog) subscribeFrom(ctx context.Context, sessionID string, fromOffset uint64, replay bool) (<-chan Delivery, func()) {
	s := el.register(sessionID)
	out := make(chan Delivery, el.bufSize)

	liveStart, _ := el.lastSeq(sessionID)
	liveStart++ // first sequence number the live registration is guaranteed not to have missed

	// A plain Subscribe has no caller-supplied offset and replays nothing:
	// every event in s.ch was fanned out after registration, including
	// those published before liveStart was read, so none of them counts as
	// already delivered.
	delivered := fromOffset - 1
	if !replay {
		delivered = 0
	}

	done := make(chan struct{})
	var closeOnce int32

	cancel := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(done)
		}
	}

	go func() {
		defer close(out)
		defer el.unregister(sessionID, s)

		if replay && liveStart > fromOffset {
			replayTo := liveStart - 1
			err := el.scan(sessionID, fromOffset, replayTo, func(ev wire.Event) error {
				select {
				case out <- Delivery{Event: &ev}:
					delivered = ev.Seq
				case <-done:
					return errStop
				case <-ctx.Done():
					return errStop
				}
				return nil
			})
			if err != nil {
				if err != errStop {
					logging.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("event log replay failed")
				}
				return
			}
		}

		for {
			select {
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				if ev.Seq <= delivered {
					continue
				}
				select {
				case out <- Delivery{Event: &ev}:
					delivered = ev.Seq
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case seq := <-s.lagCh:
				// Forward what s.ch still buffers (all of it precedes seq) first.
				for len(s.ch) > 0 {
					ev := <-s.ch
					if ev.Seq > delivered {
						select {
						case out <- Delivery{Event: &ev}:
							delivered = ev.Seq
						case <-done:
							return
						case <-ctx.Done():
							return
						}
					}
				}
				select {
				case out <- Delivery{LaggedFrom: seq}:
				case <-done:
				case <-ctx.Done():
				}
				return
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errStop = sentinelErr("subscription stopped")
