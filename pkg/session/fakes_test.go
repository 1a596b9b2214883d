package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDiskOnFire = errors.New("disk on fire")

// faultyStore wraps a MemoryStore with injectable failures, call counters and
// an optional gate that blocks Put until released.
type faultyStore struct {
	*MemoryStore

	mu        sync.Mutex
	getErr    error
	putErr    error
	deleteErr error

	gets    atomic.Int32
	puts    atomic.Int32
	deletes atomic.Int32

	putGate    chan struct{} // when non-nil, Put waits for a receive
	putStarted chan struct{} // signalled when Put begins (buffered)

	inPut    atomic.Int32
	maxInPut atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (s *faultyStore) setErrs(get, put, del error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr, s.putErr, s.deleteErr = get, put, del
}

func (s *faultyStore) Get(ctx context.Context, id string) ([]Message, error) {
	s.gets.Add(1)
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *faultyStore) Put(ctx context.Context, id string, msgs []Message) error {
	s.puts.Add(1)
	n := s.inPut.Add(1)
	defer s.inPut.Add(-1)
	for {
		cur := s.maxInPut.Load()
		if n <= cur || s.maxInPut.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.putStarted != nil {
		s.putStarted <- struct{}{}
	}
	if s.putGate != nil {
		<-s.putGate
	}

	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, id, msgs)
}

func (s *faultyStore) Delete(ctx context.Context, id string) error {
	s.deletes.Add(1)
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, id)
}
