package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	blockPrefix  = "block_"
	heightKey    = "height_latest"
	genesisHash  = "0000000000000000000000000000000000000000000000000000000000000000"
	chainBackend = "leveldb"
)

// Block is one link in the local audit chain. Hash covers Index, PrevHash,
// Timestamp and the JSON-encoded entry.
type Block struct {
	Index     uint64 `json:"index"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Entry     Entry  `json:"entry"`
}

// ChainSink appends entries to a hash-chained log in LevelDB so that any
// rewrite of history is detectable with Verify.
type ChainSink struct {
	mu     sync.Mutex
	db     *leveldb.DB
	height uint64
	tip    string
	nowFn  func() time.Time
}

// OpenChainSink opens (or creates) the chain at path.
func OpenChainSink(path string) (*ChainSink, error) {
	return openChain(path, nil)
}

// InspectChain opens an existing chain read-only for offline checks. It
// fails while a running server holds the chain.
func InspectChain(path string) (*ChainSink, error) {
	return openChain(path, &opt.Options{ErrorIfMissing: true, ReadOnly: true})
}

func openChain(path string, o *opt.Options) (*ChainSink, error) {
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open audit chain %s: %w", path, err)
	}
	s, err := NewChainSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewChainSink wraps an already-open database and loads the current tip.
func NewChainSink(db *leveldb.DB) (*ChainSink, error) {
	s := &ChainSink{db: db, tip: genesisHash, nowFn: time.Now}

	raw, err := db.Get([]byte(heightKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read chain height: %w", err)
	}

	h, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse chain height %q: %w", raw, err)
	}
	last, err := s.Block(h)
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	s.height = h
	s.tip = last.Hash
	return s, nil
}

func blockKey(i uint64) []byte {
	// Zero padded so the iterator walks blocks in order.
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, i))
}

func hashBlock(b Block) (string, error) {
	payload, err := json.Marshal(b.Entry)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|", b.Index, b.PrevHash, b.Timestamp)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *ChainSink) Record(ctx context.Context, e Entry) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UTC()
	if e.At.IsZero() {
		e.At = now
	}
	b := Block{
		Index:     s.height + 1,
		PrevHash:  s.tip,
		Timestamp: now.UnixNano(),
		Entry:     e,
	}
	hash, err := hashBlock(b)
	if err != nil {
		return Receipt{}, fmt.Errorf("hash block: %w", err)
	}
	b.Hash = hash

	data, err := json.Marshal(b)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode block: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Index), data)
	batch.Put([]byte(heightKey), []byte(strconv.FormatUint(b.Index, 10)))
	if err := s.db.Write(batch, nil); err != nil {
		return Receipt{}, fmt.Errorf("append block %d: %w", b.Index, err)
	}

	s.height = b.Index
	s.tip = b.Hash
	return Receipt{
		ID:         strconv.FormatUint(b.Index, 10),
		Backend:    chainBackend,
		Hash:       b.Hash,
		RecordedAt: now,
	}, nil
}

// Block returns the block at index i (1-based).
func (s *ChainSink) Block(i uint64) (Block, error) {
	raw, err := s.db.Get(blockKey(i), nil)
	if err != nil {
		return Block{}, fmt.Errorf("get block %d: %w", i, err)
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", i, err)
	}
	return b, nil
}

// Height returns the index of the last block, 0 when empty.
func (s *ChainSink) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// ErrChainBroken is returned by Verify when a block does not link to its
// predecessor or its stored hash does not match its contents.
var ErrChainBroken = errors.New("audit chain broken")

// Verify walks the chain from genesis and checks every link. It returns the
// number of blocks verified.
func (s *ChainSink) Verify(ctx context.Context) (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()

	prev := genesisHash
	var n uint64
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return n, fmt.Errorf("%w: decode block %d: %v", ErrChainBroken, n+1, err)
		}
		if b.Index != n+1 {
			return n, fmt.Errorf("%w: expected index %d, found %d", ErrChainBroken, n+1, b.Index)
		}
		if b.PrevHash != prev {
			return n, fmt.Errorf("%w: block %d does not link to its predecessor", ErrChainBroken, b.Index)
		}
		want, err := hashBlock(b)
		if err != nil {
			return n, err
		}
		if want != b.Hash {
			return n, fmt.Errorf("%w: block %d hash mismatch", ErrChainBroken, b.Index)
		}
		prev = b.Hash
		n++
	}
	if err := iter.Error(); err != nil {
		return n, fmt.Errorf("iterate audit chain: %w", err)
	}
	return n, nil
}

func (s *ChainSink) Close() error {
	return s.db.Close()
}
