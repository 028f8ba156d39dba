package answer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/manuald/internal/storage"
)

const defaultCacheSize = 256

// answerCache fronts the permanent answer_cache table with an in-memory LRU
// of decoded answers. The table is the source of truth and tracks served
// counts; the LRU only skips JSON decoding for hot entries.
type answerCache struct {
	store *storage.Store
	front *lru.Cache[string, Answer]
	model string
}

func newAnswerCache(store *storage.Store, size int, model string) (*answerCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	front, err := lru.New[string, Answer](size)
	if err != nil {
		return nil, err
	}
	return &answerCache{store: store, front: front, model: model}, nil
}

// hash derives a stable key from the normalized query parameters plus the
// generation model, so answers from different models never collide.
func (c *answerCache) hash(req Request) string {
	payload := struct {
		AnswerModel string `json:"answer_model"`
		Brand       string `json:"brand"`
		Model       string `json:"model"`
		Question    string `json:"question"`
		TopK        int    `json:"top_k"`
	}{
		AnswerModel: strings.ToLower(c.model),
		Brand:       strings.ToLower(strings.TrimSpace(req.Brand)),
		Model:       strings.ToLower(strings.TrimSpace(req.Model)),
		Question:    strings.ToLower(strings.TrimSpace(req.Question)),
		TopK:        req.TopK,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// get looks the hash up in the permanent cache, incrementing its served
// counter on a hit.
func (c *answerCache) get(hash string) (Answer, bool) {
	entry, err := c.store.GetCachedAnswer(hash)
	if err != nil {
		return Answer{}, false
	}
	if ans, ok := c.front.Get(hash); ok {
		return ans, true
	}
	var ans Answer
	if err := json.Unmarshal([]byte(entry.ResponseJSON), &ans); err != nil {
		return Answer{}, false
	}
	c.front.Add(hash, ans)
	return ans, true
}

func (c *answerCache) put(hash string, req Request, ans Answer) error {
	b, err := json.Marshal(ans)
	if err != nil {
		return fmt.Errorf("encoding answer: %w", err)
	}
	if err := c.store.SaveCachedAnswer(storage.CachedAnswer{
		QueryHash:    hash,
		Brand:        req.Brand,
		Model:        req.Model,
		Question:     req.Question,
		AnswerModel:  c.model,
		ResponseJSON: string(b),
	}); err != nil {
		return fmt.Errorf("saving cached answer: %w", err)
	}
	c.front.Add(hash, ans)
	return nil
}
