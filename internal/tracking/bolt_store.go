package tracking

import (
	"context"
	"encoding/binary"
	"encoding/json"

	bolt "github.com/boltdb/bolt"
)

var samplesBucket = []byte("location_samples")

// BoltStore keeps samples in a nested bucket per order, keyed by the
// big-endian sequence so cursor order is arrival order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore ensures the samples bucket exists in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(samplesBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Append(ctx context.Context, s *Sample) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(samplesBucket)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		orders, err := root.CreateBucketIfNotExists([]byte(s.OrderID))
		if err != nil {
			return err
		}
		s.Seq = int64(seq)
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return orders.Put(seqKey(seq), data)
	})
}

func (b *BoltStore) Latest(ctx context.Context, orderID string) (*Sample, error) {
	var latest *Sample
	err := b.db.View(func(tx *bolt.Tx) error {
		orders := tx.Bucket(samplesBucket).Bucket([]byte(orderID))
		if orders == nil {
			return nil
		}
		return orders.ForEach(func(k, v []byte) error {
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if latest == nil || !s.Timestamp.Before(latest.Timestamp) {
				latest = &s
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoLocation
	}
	return latest, nil
}

func (b *BoltStore) History(ctx context.Context, orderID string, limit int) ([]*Sample, error) {
	out := []*Sample{}
	err := b.db.View(func(tx *bolt.Tx) error {
		orders := tx.Bucket(samplesBucket).Bucket([]byte(orderID))
		if orders == nil {
			return nil
		}
		// walk back from the newest, then restore arrival order
		c := orders.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *BoltStore) DeleteOrder(ctx context.Context, orderID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(samplesBucket).DeleteBucket([]byte(orderID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

var _ Store = (*BoltStore)(nil)
