package remote

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	_backupFileMode    = 0o600
	_backupDirMode     = 0o755
	_backupOpenTimeout = time.Second
)

var (
	_configBucket = []byte("configs")

	// ErrNoBackup is returned by Backup.Load when none of the requested configs is kept.
	ErrNoBackup = errors.New("no backup of the requested configs")
)

// Backup keeps the last good value of remote configs in a local bbolt file, by etcd key.
type Backup struct {
	db *bolt.DB

	lg *zap.Logger
}

// OpenBackup opens or creates the backup file at path.
func OpenBackup(path string, lg *zap.Logger) (*Backup, error) {
	if path == "" {
		return nil, errors.New("empty backup path")
	}
	err := os.MkdirAll(filepath.Dir(path), _backupDirMode)
	if err != nil {
		return nil, errors.Wrap(err, "create backup directory")
	}
	db, err := bolt.Open(path, _backupFileMode, &bolt.Options{Timeout: _backupOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open backup file %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(_configBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create backup bucket")
	}
	return &Backup{db: db, lg: lg.With(zap.String("backup-path", path))}, nil
}

// Save stores the values of snapshot, and removes the requested configs it does not have.
func (b *Backup) Save(snapshot *Snapshot, reqs []Request, keyOf func(Request) string) error {
	return errors.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_configBucket)
		for _, r := range reqs {
			key := []byte(keyOf(r))
			v, ok := snapshot.Values[r]
			if !ok {
				if err := bucket.Delete(key); err != nil {
					return err
				}
				continue
			}
			if bytes.Equal(bucket.Get(key), v) {
				continue
			}
			if err := bucket.Put(key, v); err != nil {
				return err
			}
		}
		return nil
	}), "save backup")
}

// Load returns the kept values of reqs. It returns ErrNoBackup if none of them is kept.
func (b *Backup) Load(reqs []Request, keyOf func(Request) string) (*Snapshot, error) {
	logger := b.lg

	snapshot := &Snapshot{Values: make(map[Request][]byte, len(reqs)), FromBackup: true}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_configBucket)
		for _, r := range reqs {
			// values are only valid during the transaction
			if v := bucket.Get([]byte(keyOf(r))); v != nil {
				snapshot.Values[r] = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load backup")
	}
	if len(snapshot.Values) == 0 {
		return nil, ErrNoBackup
	}
	logger.Info("load configs from backup", zap.Int("found", len(snapshot.Values)), zap.Int("requested", len(reqs)))
	return snapshot, nil
}

// Close closes the backup file.
func (b *Backup) Close() error {
	return errors.Wrap(b.db.Close(), "close backup file")
}
