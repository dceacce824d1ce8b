package historystore

import (
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
)

// searchDoc is the shape indexed for each message; SessionID is stored so a
// hit can be attributed back to its owning session without a second lookup.
type searchDoc struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

type searchIndex struct {
	bleve.Index
}

func openSearchIndex(path string) (*searchIndex, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &searchIndex{idx}, nil
	}

	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, err
	}
	return &searchIndex{idx}, nil
}

func (s *searchIndex) index(m Message) error {
	return s.Index(strconv.FormatInt(m.ID, 10), searchDoc{Content: m.Content, SessionID: m.SessionID})
}

func (s *searchIndex) delete(messageID int64) error {
	return s.Delete(strconv.FormatInt(messageID, 10))
}

// matchingSessions returns the set of session ids with at least one message
// whose content matches query.
func (s *searchIndex) matchingSessions(query string) (map[string]bool, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, 10000, 0, false)
	req.Fields = []string{"session_id"}

	res, err := s.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search index query %q: %w", query, err)
	}

	ids := make(map[string]bool, len(res.Hits))
	for _, hit := range res.Hits {
		if sid, ok := hit.Fields["session_id"].(string); ok {
			ids[sid] = true
		}
	}
	return ids, nil
}
