package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// SearchParams filters recorded entries. Zero fields match everything.
type SearchParams struct {
	PatientID string
	Actor     string
	Action    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

func (p *SearchParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}
	if p.Limit > maxSearchLimit {
		p.Limit = maxSearchLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}

func (p SearchParams) match(e Entry) bool {
	if p.PatientID != "" && e.PatientID != p.PatientID {
		return false
	}
	if p.Actor != "" && !strings.EqualFold(e.Actor, p.Actor) {
		return false
	}
	if p.Action != "" && e.Action != p.Action {
		return false
	}
	if p.Since != nil && e.At.Before(*p.Since) {
		return false
	}
	if p.Until != nil && e.At.After(*p.Until) {
		return false
	}
	return true
}

// Record is a stored entry with its position in the sink. Hash is set by
// chained sinks.
type Record struct {
	Entry
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash,omitempty"`
}

// Searcher is implemented by sinks that can read back what they recorded.
// Results are newest first.
type Searcher interface {
	Search(ctx context.Context, p SearchParams) ([]Record, int, error)
}

// Verifier is implemented by tamper-evident sinks.
type Verifier interface {
	Verify(ctx context.Context) (uint64, error)
}

// page keeps the newest-first window [offset, offset+limit) of matches
// offered oldest first.
type page struct {
	p       SearchParams
	matched []Record
}

func (pg *page) offer(r Record) {
	if pg.p.match(r.Entry) {
		pg.matched = append(pg.matched, r)
	}
}

func (pg *page) result() ([]Record, int) {
	total := len(pg.matched)
	out := make([]Record, 0, pg.p.Limit)
	for i := total - 1 - pg.p.Offset; i >= 0 && len(out) < pg.p.Limit; i-- {
		out = append(out, pg.matched[i])
	}
	return out, total
}

func (s *MemorySink) Search(ctx context.Context, p SearchParams) ([]Record, int, error) {
	p.normalize()
	pg := page{p: p}
	s.mu.Lock()
	for i, e := range s.entries {
		pg.offer(Record{Entry: e, Seq: uint64(i + 1)})
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	out, total := pg.result()
	return out, total, nil
}

// Search scans the chain. Blocks that fail to decode are reported as errors;
// use Verify to check the links themselves.
func (s *ChainSink) Search(ctx context.Context, p SearchParams) ([]Record, int, error) {
	p.normalize()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()

	pg := page{p: p}
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, 0, fmt.Errorf("decode block %s: %w", iter.Key(), err)
		}
		pg.offer(Record{Entry: b.Entry, Seq: b.Index, Hash: b.Hash})
	}
	if err := iter.Error(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit chain: %w", err)
	}
	out, total := pg.result()
	return out, total, nil
}
