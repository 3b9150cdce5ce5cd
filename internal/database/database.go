package database

import (
	badger "github.com/dgraph-io/badger/v3"
)

type DB struct {
	DB *badger.DB
}

// New opens the key/value storage. inMemory is used by tests.
func New(path string, inMemory bool) (*DB, error) {
	bc := badger.DefaultOptions(path).WithInMemory(inMemory)
	bc.Logger = nil
	d, err := badger.Open(bc)
	if err != nil {
		return nil, err
	}
	db := &DB{
		DB: d,
	}
	return db, err
}

func (db *DB) Close() error {
	return db.DB.Close()
}
