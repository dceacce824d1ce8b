package historystore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/relaycode/relayd/internal/logging"
)

var (
	sessionsBucket = []byte("sessions")
	messagesBucket = []byte("messages")
	metaBucket     = []byte("meta")
	messageIDsKey  = []byte("message_ids")
)

// Store is the bbolt-backed persistent home for sessions and messages, with
// a bleve full-text index kept alongside it.
type Store struct {
	db    *bbolt.DB
	index *searchIndex
}

// Open opens (creating if absent) a history store rooted at dbPath, with
// its full-text index at indexPath.
func Open(dbPath, indexPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(messagesBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		_, err = meta.CreateBucketIfNotExists(messageIDsKey)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history store buckets: %w", err)
	}

	idx, err := openSearchIndex(indexPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}

	return &Store{db: db, index: idx}, nil
}

// Close releases the database and index handles.
func (s *Store) Close() error {
	idxErr := s.index.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return idxErr
}

func seqKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// SaveSession upserts sess, replacing all fields.
func (s *Store) SaveSession(sess Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), data)
	})
}

// UpdateSession upserts sess like SaveSession, first setting its
// LastAccessedAt to the current time.
func (s *Store) UpdateSession(sess Session) error {
	sess.LastAccessedAt = time.Now().Unix()
	return s.SaveSession(sess)
}

// GetSession fetches the session record for id, or ErrNotFound.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	return sess, err
}

// DeleteSession removes a session and cascades to all its messages,
// including their search index entries.
func (s *Store) DeleteSession(id string) error {
	var messageIDs []int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		if sessions.Get([]byte(id)) == nil {
			return nil
		}
		if err := sessions.Delete([]byte(id)); err != nil {
			return err
		}

		sub := tx.Bucket(messagesBucket).Bucket([]byte(id))
		if sub != nil {
			c := sub.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var m Message
				if err := json.Unmarshal(v, &m); err == nil {
					messageIDs = append(messageIDs, m.ID)
				}
			}
			if err := tx.Bucket(messagesBucket).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	for _, id := range messageIDs {
		if err := s.index.delete(id); err != nil {
			logging.Logger.Warn().Err(err).Int64("message_id", id).Msg("failed to remove message from search index")
		}
	}
	return nil
}

// SaveMessage appends m, atomically bumping its session's message_count and
// last_accessed_at, and returns the assigned persistent id.
func (s *Store) SaveMessage(m Message) (int64, error) {
	now := time.Now().Unix()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}

	var assignedID int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		data := sessions.Get([]byte(m.SessionID))
		if data == nil {
			return fmt.Errorf("%w: session %s", ErrNotFound, m.SessionID)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}

		ids := tx.Bucket(metaBucket).Bucket(messageIDsKey)
		nextID, err := ids.NextSequence()
		if err != nil {
			return err
		}
		m.ID = int64(nextID)
		assignedID = m.ID

		msgData, err := json.Marshal(m)
		if err != nil {
			return err
		}
		sub, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(m.SessionID))
		if err != nil {
			return err
		}
		if err := sub.Put(seqKey(nextID), msgData); err != nil {
			return err
		}

		sess.MessageCount++
		sess.LastAccessedAt = now
		if m.Role == RoleToolUse && m.ToolName != "" {
			if sess.ToolsUsed == nil {
				sess.ToolsUsed = make(map[string]bool)
			}
			sess.ToolsUsed[m.ToolName] = true
		}
		sessData, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return sessions.Put([]byte(m.SessionID), sessData)
	})
	if err != nil {
		return 0, fmt.Errorf("save message for session %s: %w", m.SessionID, err)
	}

	if err := s.index.index(m); err != nil {
		logging.Logger.Warn().Err(err).Int64("message_id", assignedID).Msg("failed to index message for search")
	}
	return assignedID, nil
}

// GetMessages returns messages for sessionID ordered ascending by creation
// time, paginated and optionally filtered by role, plus the total count of
// matching messages before pagination.
func (s *Store) GetMessages(sessionID string, limit, offset int, role Role) ([]Message, int, error) {
	limit = clampLimit(limit, MaxMessagesLimit)
	if offset < 0 {
		offset = 0
	}

	var all []Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		sub := tx.Bucket(messagesBucket).Bucket([]byte(sessionID))
		if sub == nil {
			return nil
		}
		c := sub.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if role != "" && m.Role != role {
				continue
			}
			all = append(all, m)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get messages for session %s: %w", sessionID, err)
	}

	total := len(all)
	if offset >= total {
		return []Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// UpdateSessionStats additively adjusts a session's token counters and
// bumps its last-accessed timestamp.
func (s *Store) UpdateSessionStats(sessionID string, deltaInput, deltaOutput int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		data := sessions.Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		sess.TotalInputTokens += deltaInput
		sess.TotalOutputTokens += deltaOutput
		sess.LastAccessedAt = time.Now().Unix()
		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return sessions.Put([]byte(sessionID), out)
	})
}

// Default and maximum limits per §4.4. A limit of 0 clamps to the floor of
// 1, not to the default; the default applies only when a caller has no
// limit value to pass at all (e.g. an absent query parameter).
const (
	DefaultMessagesLimit = 50
	MaxMessagesLimit     = 500
	DefaultSessionsLimit = 20
	MaxSessionsLimit     = 100
)

func clampLimit(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}
