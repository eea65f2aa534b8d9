package store

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/szaher/convmem/internal/memory"
)

// DefaultEtcdPrefix namespaces conversation keys in etcd.
const DefaultEtcdPrefix = "/convmem/conversations/"

// EtcdStore keeps conversation state in etcd, one value per key.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

// OpenEtcd connects to the given endpoints.
func OpenEtcd(endpoints []string, prefix string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	s := NewEtcdStore(client, prefix)
	s.owned = true
	return s, nil
}

// NewEtcdStore wraps an existing client. The caller keeps ownership of it.
func NewEtcdStore(client *clientv3.Client, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &EtcdStore{client: client, prefix: prefix}
}

// Close closes the client if this store opened it.
func (s *EtcdStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Get returns the state for key.
func (s *EtcdStore) Get(ctx context.Context, key string) (memory.State, bool, error) {
	if err := checkKey(key); err != nil {
		return memory.State{}, false, err
	}
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return memory.State{}, false, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return memory.State{}, false, nil
	}
	st, err := decodeState(resp.Kvs[0].Value)
	if err != nil {
		return memory.State{}, false, err
	}
	return st, true, nil
}

// Put stores the state for key.
func (s *EtcdStore) Put(ctx context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.prefix+key, string(data)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}
