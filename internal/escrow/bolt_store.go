package escrow

import (
	"context"
	"encoding/json"
	"sort"

	bolt "github.com/boltdb/bolt"
)

var (
	ordersBucket        = []byte("orders")
	invoiceIndexBucket  = []byte("orders_by_invoice")
	disputesBucket      = []byte("disputes")
	orderDisputesBucket = []byte("disputes_by_order")
)

// BoltStore persists orders and disputes in an embedded BoltDB file, for
// single-node deployments without PostgreSQL. Values are JSON.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore ensures the escrow buckets exist in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ordersBucket, invoiceIndexBucket, disputesBucket, orderDisputesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Create(ctx context.Context, o *Order) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(ordersBucket), o.ID, o); err != nil {
			return err
		}
		if o.InvoiceID != "" {
			return tx.Bucket(invoiceIndexBucket).Put([]byte(o.InvoiceID), []byte(o.ID))
		}
		return nil
	})
}

func (b *BoltStore) Get(ctx context.Context, id string) (*Order, error) {
	var o *Order
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		o, err = getOrder(tx, id)
		return err
	})
	return o, err
}

func (b *BoltStore) GetByInvoice(ctx context.Context, invoiceID string) (*Order, error) {
	if invoiceID == "" {
		return nil, ErrOrderNotFound
	}
	var o *Order
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(invoiceIndexBucket).Get([]byte(invoiceID))
		if id == nil {
			return ErrOrderNotFound
		}
		var err error
		o, err = getOrder(tx, string(id))
		return err
	})
	return o, err
}

func (b *BoltStore) Update(ctx context.Context, o *Order) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putOrder(tx, o)
	})
}

func (b *BoltStore) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		o, err := getOrder(tx, id)
		if err != nil {
			return err
		}
		if o.InvoiceID != "" {
			if err := tx.Bucket(invoiceIndexBucket).Delete([]byte(o.InvoiceID)); err != nil {
				return err
			}
		}
		if did := tx.Bucket(orderDisputesBucket).Get([]byte(id)); did != nil {
			if err := tx.Bucket(disputesBucket).Delete(did); err != nil {
				return err
			}
			if err := tx.Bucket(orderDisputesBucket).Delete([]byte(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(ordersBucket).Delete([]byte(id))
	})
}

func (b *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Order, error) {
	var result []*Order
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(k, v []byte) error {
			var o Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if filter.matches(&o) {
				result = append(result, &o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (b *BoltStore) OpenDispute(ctx context.Context, o *Order, d *Dispute) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		byOrder := tx.Bucket(orderDisputesBucket)
		if byOrder.Get([]byte(o.ID)) != nil {
			return ErrDisputeExists
		}
		if err := putOrder(tx, o); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(disputesBucket), d.ID, d); err != nil {
			return err
		}
		return byOrder.Put([]byte(o.ID), []byte(d.ID))
	})
}

func (b *BoltStore) ResolveDispute(ctx context.Context, o *Order, d *Dispute) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(disputesBucket).Get([]byte(d.ID)) == nil {
			return ErrDisputeNotFound
		}
		if err := putOrder(tx, o); err != nil {
			return err
		}
		return putJSON(tx.Bucket(disputesBucket), d.ID, d)
	})
}

func (b *BoltStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var d *Dispute
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = getDispute(tx, id)
		return err
	})
	return d, err
}

func (b *BoltStore) GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	var d *Dispute
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(orderDisputesBucket).Get([]byte(orderID))
		if id == nil {
			return ErrDisputeNotFound
		}
		var err error
		d, err = getDispute(tx, string(id))
		return err
	})
	return d, err
}

func (b *BoltStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	var result []*Dispute
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(disputesBucket).ForEach(func(k, v []byte) error {
			var d Dispute
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if status == "" || d.Status == status {
				result = append(result, &d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (b *BoltStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}
	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(ordersBucket).ForEach(func(k, v []byte) error {
			var o Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			st.TotalOrders++
			switch o.Status {
			case StatusPickedUp, StatusInTransit:
				st.ActiveDeliveries++
			case StatusCompleted:
				st.CompletedOrders++
				st.CompletedSats += o.AmountSats
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(disputesBucket).ForEach(func(k, v []byte) error {
			var d Dispute
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status == DisputeUnderReview {
				st.OpenDisputes++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func getOrder(tx *bolt.Tx, id string) (*Order, error) {
	v := tx.Bucket(ordersBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrOrderNotFound
	}
	var o Order
	if err := json.Unmarshal(v, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func putOrder(tx *bolt.Tx, o *Order) error {
	b := tx.Bucket(ordersBucket)
	if b.Get([]byte(o.ID)) == nil {
		return ErrOrderNotFound
	}
	return putJSON(b, o.ID, o)
}

func getDispute(tx *bolt.Tx, id string) (*Dispute, error) {
	v := tx.Bucket(disputesBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrDisputeNotFound
	}
	var d Dispute
	if err := json.Unmarshal(v, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Compile-time assertion that BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
