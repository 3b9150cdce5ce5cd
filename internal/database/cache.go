package database

import (
	"bytes"
	"fmt"

	xdr "github.com/davecgh/go-xdr/xdr2"
	badger "github.com/dgraph-io/badger/v3"
)

func getCache[T any](db *DB, key string, prefix string) (*T, error) {
	var out *T
	err := db.DB.View(func(txn *badger.Txn) error {
		v, err := txn.Get([]byte(prefix + key))
		if err != nil {
			return fmt.Errorf("can't get value from storage: %w", err)
		}
		b, err := v.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("can't copy value: %w", err)
		}
		_, err = xdr.Unmarshal(bytes.NewReader(b), &out)
		if err != nil {
			return fmt.Errorf("can't unmarshal value: %w", err)
		}
		return nil
	})
	return out, err
}

func saveCache[T any](db *DB, key string, prefix string, val *T) error {
	err := db.DB.Update(func(txn *badger.Txn) error {
		var w bytes.Buffer
		_, err := xdr.Marshal(&w, val)
		if err != nil {
			return fmt.Errorf("can't marshal value: %w", err)
		}
		err = txn.Set([]byte(prefix+key), w.Bytes())
		if err != nil {
			return fmt.Errorf("can't save value to storage: %w", err)
		}
		return nil
	})
	return err
}

func deleteCache(db *DB, key string, prefix string) error {
	err := db.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefix + key))
	})
	if err != nil {
		return fmt.Errorf("can't delete value from storage: %w", err)
	}
	return nil
}

func listCache[T any](db *DB, prefix string) (map[string]*T, error) {
	out := map[string]*T{}
	err := db.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			b, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("can't copy value: %w", err)
			}
			var val *T
			_, err = xdr.Unmarshal(bytes.NewReader(b), &val)
			if err != nil {
				return fmt.Errorf("can't unmarshal value: %w", err)
			}
			out[string(item.Key()[len(prefix):])] = val
		}
		return nil
	})
	return out, err
}
