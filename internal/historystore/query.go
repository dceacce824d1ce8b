package historystore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

// ListSessions returns session summaries matching query, the total count of
// matches before pagination, and the limit/offset actually applied.
func (s *Store) ListSessions(q Query) ([]Summary, int, int, int, error) {
	var all []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			all = append(all, sess)
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("list sessions: %w", err)
	}

	var matchingBySearch map[string]bool
	if q.Search != "" {
		matchingBySearch, err = s.index.matchingSessions(q.Search)
		if err != nil {
			return nil, 0, 0, 0, err
		}
	}

	filtered := all[:0:0]
	for _, sess := range all {
		if q.Search != "" && !matchingBySearch[sess.ID] {
			continue
		}
		if q.NameContains != "" && !strings.Contains(strings.ToLower(sess.Name), strings.ToLower(q.NameContains)) {
			continue
		}
		if q.State != "" && sess.State != q.State {
			continue
		}
		if q.ToolUsed != "" && !sess.ToolsUsed[q.ToolUsed] {
			continue
		}
		if q.MinTotalTokens > 0 && sess.TotalInputTokens+sess.TotalOutputTokens < q.MinTotalTokens {
			continue
		}
		if q.CreatedAfter > 0 && sess.CreatedAt < q.CreatedAfter {
			continue
		}
		if q.CreatedBefore > 0 && sess.CreatedAt > q.CreatedBefore {
			continue
		}
		filtered = append(filtered, sess)
	}

	sortSessions(filtered, q.Sort, q.Order)

	total := len(filtered)
	limit := clampLimit(q.Limit, MaxSessionsLimit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var page []Session
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = filtered[offset:end]
	}

	summaries := make([]Summary, 0, len(page))
	for _, sess := range page {
		preview, err := s.firstMessagePreview(sess.ID)
		if err != nil {
			return nil, 0, 0, 0, err
		}
		summaries = append(summaries, Summary{
			ID:             sess.ID,
			Name:           sess.Name,
			State:          sess.State,
			CreatedAt:      sess.CreatedAt,
			LastAccessedAt: sess.LastAccessedAt,
			MessageCount:   sess.MessageCount,
			TotalTokens:    sess.TotalInputTokens + sess.TotalOutputTokens,
			Preview:        preview,
		})
	}

	return summaries, total, limit, offset, nil
}

func (s *Store) firstMessagePreview(sessionID string) (string, error) {
	const maxPreview = 100
	var preview string
	err := s.db.View(func(tx *bbolt.Tx) error {
		sub := tx.Bucket(messagesBucket).Bucket([]byte(sessionID))
		if sub == nil {
			return nil
		}
		_, v := sub.Cursor().First()
		if v == nil {
			return nil
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		preview = m.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	r := []rune(preview)
	if len(r) > maxPreview {
		preview = string(r[:maxPreview])
	}
	return preview, nil
}

func sortSessions(sessions []Session, field SortField, order SortOrder) {
	if field == "" {
		field = SortCreatedAt
	}
	less := func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		switch field {
		case SortLastAccessed:
			return a.LastAccessedAt < b.LastAccessedAt
		case SortMessageCount:
			return a.MessageCount < b.MessageCount
		case SortTotalTokens:
			return (a.TotalInputTokens + a.TotalOutputTokens) < (b.TotalInputTokens + b.TotalOutputTokens)
		default:
			return a.CreatedAt < b.CreatedAt
		}
	}
	if order == OrderDesc {
		sort.SliceStable(sessions, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(sessions, less)
}
