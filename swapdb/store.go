package swapdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightninglabs/xswap/chain"
	"go.etcd.io/bbolt"
)

var (
	// dbFileName is the default file name of the swap database.
	dbFileName = "swaps.db"

	// listBucketKey is the append log of swap starts.
	//
	// maps: sequence -> request id || quote id
	listBucketKey = []byte("list")

	// swapsBucketKey houses one sub-bucket per swap.
	//
	// maps: request id || quote id -> swapBucket
	swapsBucketKey = []byte("swaps")

	// swapKey stores the serialized start record of a swap.
	//
	// path: swapsBucket -> swapBucket[key] -> swapKey
	swapKey = []byte("swap")

	// updatesBucketKey contains the event log of a swap. It only ever
	// grows.
	//
	// path: swapsBucket -> swapBucket[key] -> updatesBucket
	//
	// maps: sequence -> time || state || code || detail
	updatesBucketKey = []byte("updates")

	// armedBucketKey contains the recovery transactions of a swap.
	//
	// path: swapsBucket -> swapBucket[key] -> armedBucket
	//
	// maps: kind -> locktime || symbol || raw tx
	armedBucketKey = []byte("armed")

	// ErrSwapExists is returned when a swap is appended twice.
	ErrSwapExists = errors.New("swap already exists")

	// ErrSwapNotFound is returned for an unknown swap.
	ErrSwapNotFound = errors.New("swap not found")
)

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// BoltStore stores swaps in bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// A compile time check to ensure BoltStore implements SwapStore.
var _ SwapStore = (*BoltStore)(nil)

// NewBoltStore opens or creates the swap database in dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dbPath, dbFileName)
	bdb, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(listBucketKey)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(swapsBucketKey)

		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	log.Infof("Opened swap store at %v", path)

	return &BoltStore{db: bdb}, nil
}

// swapBucket returns the bucket of key or ErrSwapNotFound.
func swapBucket(tx *bbolt.Tx, key Key) (*bbolt.Bucket, error) {
	bucket := tx.Bucket(swapsBucketKey).Bucket(keyBytes(key))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapNotFound, key)
	}

	return bucket, nil
}

// AppendSwap records the start of a swap in the append log and creates its
// bucket.
func (s *BoltStore) AppendSwap(_ context.Context, sw *Swap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(swapsBucketKey)
		k := keyBytes(sw.Key)
		if swaps.Bucket(k) != nil {
			return fmt.Errorf("%w: %v", ErrSwapExists, sw.Key)
		}

		bucket, err := swaps.CreateBucket(k)
		if err != nil {
			return err
		}
		if err := bucket.Put(swapKey, serializeSwap(sw)); err != nil {
			return err
		}
		if _, err := bucket.CreateBucket(updatesBucketKey); err != nil {
			return err
		}
		if _, err := bucket.CreateBucket(armedBucketKey); err != nil {
			return err
		}

		list := tx.Bucket(listBucketKey)
		seq, err := list.NextSequence()
		if err != nil {
			return err
		}

		var seqKey [8]byte
		byteOrder.PutUint64(seqKey[:], seq)

		return list.Put(seqKey[:], k)
	})
}

// UpdateSwap appends an update to the event log of a swap.
func (s *BoltStore) UpdateSwap(_ context.Context, key Key,
	update Update) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := swapBucket(tx, key)
		if err != nil {
			return err
		}

		updates := bucket.Bucket(updatesBucketKey)
		seq, err := updates.NextSequence()
		if err != nil {
			return err
		}

		var seqKey [8]byte
		byteOrder.PutUint64(seqKey[:], seq)

		return updates.Put(seqKey[:], serializeUpdate(update))
	})
}

// ArmTx stores a recovery transaction of a swap.
func (s *BoltStore) ArmTx(_ context.Context, key Key, armed ArmedTx) error {
	value, err := serializeArmed(armed)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := swapBucket(tx, key)
		if err != nil {
			return err
		}

		return bucket.Bucket(armedBucketKey).Put(
			[]byte{byte(armed.Kind)}, value,
		)
	})
}

// DisarmTx removes a recovery transaction.
func (s *BoltStore) DisarmTx(_ context.Context, key Key,
	kind chain.TxKind) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := swapBucket(tx, key)
		if err != nil {
			return err
		}

		return bucket.Bucket(armedBucketKey).Delete([]byte{byte(kind)})
	})
}

// fetchStatus reads the status of the swap in bucket.
func fetchStatus(key Key, bucket *bbolt.Bucket) (*Status, error) {
	sw, err := deserializeSwap(key, bucket.Get(swapKey))
	if err != nil {
		return nil, fmt.Errorf("swap %v: %w", key, err)
	}

	status := &Status{Swap: *sw}

	err = bucket.Bucket(updatesBucketKey).ForEach(func(_, v []byte) error {
		update, err := deserializeUpdate(v)
		if err != nil {
			return err
		}
		status.Updates = append(status.Updates, update)

		return nil
	})
	if err != nil {
		return nil, err
	}

	err = bucket.Bucket(armedBucketKey).ForEach(func(k, v []byte) error {
		armed, err := deserializeArmed(k[0], v)
		if err != nil {
			return err
		}
		status.Armed = append(status.Armed, armed)

		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(status.Updates); n > 0 {
		last := status.Updates[n-1]
		status.State = last.State
		status.Code = last.Code
		status.Detail = last.Detail
	}

	return status, nil
}

// Lookup returns the status of a swap.
func (s *BoltStore) Lookup(_ context.Context, key Key) (*Status, error) {
	var status *Status
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket, err := swapBucket(tx, key)
		if err != nil {
			return err
		}

		status, err = fetchStatus(key, bucket)

		return err
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}

// FetchSwaps returns every swap in the order of the append log.
func (s *BoltStore) FetchSwaps(_ context.Context) ([]*Status, error) {
	var swaps []*Status
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(listBucketKey).ForEach(func(_, v []byte) error {
			key, err := parseKey(v)
			if err != nil {
				return err
			}

			bucket, err := swapBucket(tx, key)
			if err != nil {
				return err
			}

			status, err := fetchStatus(key, bucket)
			if err != nil {
				return err
			}
			swaps = append(swaps, status)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
