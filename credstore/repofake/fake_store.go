package credstorefake

import (
	"context"
	"errors"
	"sync"

	"github.com/jrsteele09/go-rider-client/credstore"
)

var _ credstore.Store = (*FakeStore)(nil)

type FakeStore struct {
	values map[string]string
	reads  int
	err    error
	lock   sync.RWMutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		values: make(map[string]string),
	}
}

func (fs *FakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.reads++
	if fs.err != nil {
		return "", false, fs.err
	}
	v, ok := fs.values[key]
	return v, ok, nil
}

func (fs *FakeStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.err != nil {
		return fs.err
	}
	fs.values[key] = value
	return nil
}

func (fs *FakeStore) Remove(ctx context.Context, key string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.err != nil {
		return fs.err
	}
	delete(fs.values, key)
	return nil
}

// FailWith makes every following call return err; nil restores normal behaviour.
func (fs *FakeStore) FailWith(err error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.err = err
}

// Reads is the number of Get calls served so far.
func (fs *FakeStore) Reads() int {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.reads
}
