package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/ehr/recordvault/pkg/apperr"
)

// LevelDB is a local anchor chain persisted in goleveldb.
//
// Keys:
//
//	block_<height>  block JSON, height zero-padded to 20 digits
//	tx_<hash>       height of the block with that hash
//	height_latest   height of the chain tip
type LevelDB struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenLevelDB opens or creates the anchor chain at path.
func OpenLevelDB(path string, logger zerolog.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger leveldb %s: %w", path, err)
	}
	l := &LevelDB{db: db, logger: logger, now: time.Now}
	h, _ := l.latestHeight()
	logger.Info().Str("path", path).Uint64("height", h).Msg("anchor ledger opened")
	return l, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func blockKey(h uint64) []byte {
	return []byte(fmt.Sprintf("block_%020d", h))
}

func txKey(ref string) []byte {
	return []byte("tx_" + ref)
}

func (l *LevelDB) latestHeight() (uint64, error) {
	v, err := l.db.Get([]byte("height_latest"), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(v), 10, 64)
}

func (l *LevelDB) block(h uint64) (Block, error) {
	data, err := l.db.Get(blockKey(h), nil)
	if err != nil {
		return Block{}, err
	}
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", h, err)
	}
	return b, nil
}

func (l *LevelDB) Anchor(ctx context.Context, hash []byte, meta map[string]string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Anchor", err)
	}
	if err := validatePayload(hash); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	height, err := l.latestHeight()
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Anchor", err)
	}
	var prev *Block
	if height > 0 {
		p, err := l.block(height)
		if err != nil {
			return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Anchor", err)
		}
		prev = &p
	}

	b := nextBlock(prev, hash, meta, l.now())
	data, err := json.Marshal(b)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode block: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Height), data)
	batch.Put(txKey(b.Hash), []byte(strconv.FormatUint(b.Height, 10)))
	batch.Put([]byte("height_latest"), []byte(strconv.FormatUint(b.Height, 10)))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Anchor", err)
	}

	l.logger.Debug().Uint64("height", b.Height).Str("tx_ref", b.Hash).Msg("hash anchored")
	return b.receipt(), nil
}

func (l *LevelDB) Confirm(ctx context.Context, txRef string) (Receipt, error) {
	v, err := l.db.Get(txKey(txRef), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Receipt{}, apperr.Newf(apperr.KindNotFound, "ledger.Confirm", "unknown tx %s", txRef)
	}
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Confirm", err)
	}
	h, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindIntegrity, "ledger.Confirm", err)
	}
	b, err := l.block(h)
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Confirm", err)
	}
	return b.receipt(), nil
}

// VerifyChain walks the chain from height 1 to the tip and checks every link.
func (l *LevelDB) VerifyChain(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tip, err := l.latestHeight()
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "ledger.Verify", err)
	}
	var prev *Block
	for h := uint64(1); h <= tip; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := l.block(h)
		if err != nil {
			return apperr.Wrap(apperr.KindIntegrity, "ledger.Verify", fmt.Errorf("block %d: %w", h, err))
		}
		if err := verifyLink(prev, b); err != nil {
			return err
		}
		prev = &b
	}
	return nil
}
