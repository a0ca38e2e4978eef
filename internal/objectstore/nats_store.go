// Package objectstore keeps rendered audio in a JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
)

var ErrObjectNotFound = errors.New("objectstore: object not found")

// Store reads and writes whole objects in one bucket.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New binds to bucket, creating it on first use.
func New(js nats.JetStreamContext, bucket string) (*Store, error) {
	store, err := js.ObjectStore(bucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) && !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Rendered Florence audio",
			Storage:     nats.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, store: store}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// Put stores data under key, replacing any previous object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("put object %q to bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// Get returns the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", key, closeErr)
	}
	return data, nil
}
