package pagesync

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var levelEntryPrefix = []byte("e:")

// levelDBBackend stores one record per key, so a mutation only writes the
// key it touches.
type levelDBBackend struct {
	db *leveldb.DB
}

func newLevelDBBackend(path string) (*levelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelDBBackend{db: db}, nil
}

func (l *levelDBBackend) load() (map[string]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(levelEntryPrefix), nil)
	defer it.Release()

	out := map[string]string{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), levelEntryPrefix))
		out[key] = string(it.Value())
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *levelDBBackend) put(key, blob string, _ map[string]string) error {
	return l.db.Put(levelKey(key), []byte(blob), nil)
}

func (l *levelDBBackend) delete(keys []string, _ map[string]string) error {
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(levelKey(k))
	}
	return l.db.Write(batch, nil)
}

func (l *levelDBBackend) reset() error {
	it := l.db.NewIterator(util.BytesPrefix(levelEntryPrefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *levelDBBackend) close() error {
	return l.db.Close()
}

func levelKey(key string) []byte {
	return append(append([]byte(nil), levelEntryPrefix...), key...)
}
