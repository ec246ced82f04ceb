package users

import (
	"context"
	"encoding/json"

	bolt "github.com/boltdb/bolt"
)

var (
	usersBucket   = []byte("users")
	byEmailBucket = []byte("users_by_email")
)

// BoltStore persists users in an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore ensures the user buckets exist in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(usersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(byEmailBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Create(ctx context.Context, u *User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(byEmailBucket)
		if emails.Get([]byte(u.Email)) != nil {
			return ErrEmailTaken
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if err := tx.Bucket(usersBucket).Put([]byte(u.ID), data); err != nil {
			return err
		}
		return emails.Put([]byte(u.Email), []byte(u.ID))
	})
}

func (b *BoltStore) Get(ctx context.Context, id string) (*User, error) {
	var u *User
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func (b *BoltStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u *User
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(byEmailBucket).Get([]byte(email))
		if id == nil {
			return ErrUserNotFound
		}
		var err error
		u, err = getUser(tx, string(id))
		return err
	})
	return u, err
}

// Update rewrites the user record. Email is immutable.
func (b *BoltStore) Update(ctx context.Context, u *User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usersBucket)
		if bucket.Get([]byte(u.ID)) == nil {
			return ErrUserNotFound
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(u.ID), data)
	})
}

func getUser(tx *bolt.Tx, id string) (*User, error) {
	v := tx.Bucket(usersBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrUserNotFound
	}
	var u User
	if err := json.Unmarshal(v, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

var _ Store = (*BoltStore)(nil)
