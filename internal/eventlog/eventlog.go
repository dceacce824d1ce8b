// Package eventlog implements the durable, per-session, ordered event
// stream described for the Event Log: a bbolt-backed append-only sequence
// per session serving replay-from-offset, plus a bounded, non-blocking
// live broadcast fanout per subscriber with lag detection.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/wire"
)

var eventsBucket = []byte("events")

// Delivery is one item yielded by a subscription: either a log event, or a
// lag signal telling the caller to resume by replay from the given offset.
type Delivery struct {
	Event      *wire.Event
	LaggedFrom uint64
}

// EventLog is the durable, per-session event store and live broadcaster.
type EventLog struct {
	db *bbolt.DB

	mu   sync.Mutex
	subs map[string][]*liveSub

	bufSize int
}

// Open opens (creating if absent) a bbolt-backed event log at path.
// bufSize is the per-subscriber live channel capacity before a subscriber
// is declared lagged.
func Open(path string, bufSize int) (*EventLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event log buckets: %w", err)
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	return &EventLog{db: db, subs: make(map[string][]*liveSub), bufSize: bufSize}, nil
}

// Close releases the underlying database handle.
func (el *EventLog) Close() error {
	return el.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// Publish durably appends ev for sessionID, assigning the next monotonic,
// contiguous-from-1 sequence number, then fans it out to live subscribers.
// Publishing never blocks on a slow subscriber.
func (el *EventLog) Publish(sessionID string, ev wire.Event) (uint64, error) {
	ev.SessionID = sessionID
	ev.At = time.Now().Unix()

	var seq uint64
	err := el.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(eventsBucket)
		b, err := parent.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("publish event for session %s: %w", sessionID, err)
	}

	el.fanOut(sessionID, ev)
	return seq, nil
}

func (el *EventLog) fanOut(sessionID string, ev wire.Event) {
	el.mu.Lock()
	subs := append([]*liveSub(nil), el.subs[sessionID]...)
	el.mu.Unlock()

	for _, s := range subs {
		if atomic.LoadInt32(&s.lagged) == 1 {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if atomic.CompareAndSwapInt32(&s.lagged, 0, 1) {
				logging.Logger.Warn().Str("session_id", sessionID).Uint64("seq", ev.Seq).Msg("event log subscriber lagged")
				select {
				case s.lagCh <- ev.Seq:
				default:
				}
			}
		}
	}
}

// scan delivers durable events for sessionID with from <= seq <= to
// (inclusive) in ascending order to fn. to == 0 means "no upper bound".
func (el *EventLog) scan(sessionID string, from, to uint64, fn func(wire.Event) error) error {
	return el.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			seq := seqFromKey(k)
			if to != 0 && seq > to {
				break
			}
			var ev wire.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %d for session %s: %w", seq, sessionID, err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentForSession returns the most recent up-to-max events for sessionID
// in ascending order, for bounded catch-up without a full replay.
func (el *EventLog) RecentForSession(sessionID string, max int) ([]wire.Event, error) {
	var events []wire.Event
	err := el.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < max; k, v = c.Prev() {
			var ev wire.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent events for session %s: %w", sessionID, err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// lastSeq returns the highest sequence number durably recorded for
// sessionID, or 0 if none.
func (el *EventLog) lastSeq(sessionID string) (uint64, error) {
	var last uint64
	err := el.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			last = seqFromKey(k)
		}
		return nil
	})
	return last, err
}
