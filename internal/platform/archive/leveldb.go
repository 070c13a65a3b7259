package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/ehr/recordvault/pkg/apperr"
)

const blobKeyPrefix = "blob_"

// LevelDB is a content-addressed Archiver on a local goleveldb database.
// Blobs are stored under "blob_<address>".
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates the archive at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", archivalError("archive.Put", err)
	}
	addr := ContentAddress(data)
	key := []byte(blobKeyPrefix + addr)

	exists, err := l.db.Has(key, nil)
	if err != nil {
		return "", archivalError("archive.Put", err)
	}
	if exists {
		return addr, nil
	}
	if err := l.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return "", archivalError("archive.Put", err)
	}
	return addr, nil
}

func (l *LevelDB) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, archivalError("archive.Get", err)
	}
	data, err := l.db.Get([]byte(blobKeyPrefix+address), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "archive.Get", "no blob at %s", address)
	}
	if err != nil {
		return nil, archivalError("archive.Get", err)
	}
	if err := verifyAddress(address, data); err != nil {
		return nil, err
	}
	return data, nil
}
