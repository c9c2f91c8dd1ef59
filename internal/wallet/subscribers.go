package wallet

import (
	"container/list"
	"sync"

	"go.uber.org/atomic"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

type subscriber struct {
	fn     func(State)
	active *atomic.Bool
}

// subscribers is an ordered observer list with O(1) removal.
type subscribers struct {
	lk   sync.Mutex
	list *list.List
}

func newSubscribers() *subscribers {
	return &subscribers{list: list.New()}
}

func (s *subscribers) add(fn func(State)) func() {
	sub := &subscriber{fn: fn, active: atomic.NewBool(true)}
	s.lk.Lock()
	elem := s.list.PushBack(sub)
	s.lk.Unlock()
	return func() {
		if !sub.active.CAS(true, false) {
			return
		}
		s.lk.Lock()
		s.list.Remove(elem)
		s.lk.Unlock()
	}
}

func (s *subscribers) len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.list.Len()
}

// notify calls every subscriber in subscription order. The list is copied first so
// callbacks may subscribe or unsubscribe, and one removed mid-notify is skipped.
func (s *subscribers) notify(st State) {
	s.lk.Lock()
	subs := make([]*subscriber, 0, s.list.Len())
	for e := s.list.Front(); e != nil; e = e.Next() {
		subs = append(subs, e.Value.(*subscriber))
	}
	s.lk.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			call(sub.fn, st)
		}
	}
}

func call(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(errors.ErrorfAndReport("wallet subscriber panicked: %v", r))
		}
	}()
	fn(st)
}
