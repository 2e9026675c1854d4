// Package shots polls the machine's shot history and archives each
// record as JSON on disk. A bbolt cursor remembers the newest shot
// already downloaded so restarts never re-pull the whole history.
package shots

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	shotsBucket = []byte("shots")
	cursorKey   = []byte("last_shot_id")
)

// Cursor persists the poller's position in the shot history.
type Cursor struct {
	db *bolt.DB
}

// OpenCursor opens the cursor database at the given path, creating it
// and its parent directory if needed.
func OpenCursor(path string) (*Cursor, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cursor db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(shotsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cursor db: %w", err)
	}

	return &Cursor{db: db}, nil
}

// Close releases the database.
func (c *Cursor) Close() error {
	return c.db.Close()
}

// LastShotID returns the highest shot ID already downloaded, or zero
// when nothing has been pulled yet.
func (c *Cursor) LastShotID() (int64, error) {
	var id int64

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(shotsBucket).Get(cursorKey)
		if len(data) == 8 {
			id = int64(binary.BigEndian.Uint64(data))
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading shot cursor: %w", err)
	}

	return id, nil
}

// SetLastShotID advances the cursor. It never moves backwards; a
// smaller ID than the stored one is ignored.
func (c *Cursor) SetLastShotID(id int64) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(shotsBucket)

		current := bucket.Get(cursorKey)
		if len(current) == 8 && int64(binary.BigEndian.Uint64(current)) >= id {
			return nil
		}

		var buf [8]byte

		binary.BigEndian.PutUint64(buf[:], uint64(id))

		return bucket.Put(cursorKey, buf[:])
	})
	if err != nil {
		return fmt.Errorf("writing shot cursor: %w", err)
	}

	return nil
}
