package coordinator

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Locker grants exclusive ownership of a saga id. Acquire returns
// ErrSagaBusy when the id is already held.
type Locker interface {
	Acquire(ctx context.Context, sagaID string) (release func(), err error)
}

// LocalLocker is an in-process Locker. It only protects against concurrent
// execution inside one orchestrator process.
type LocalLocker struct {
	held *xsync.MapOf[string, struct{}]
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: xsync.NewMapOf[string, struct{}]()}
}

func (l *LocalLocker) Acquire(_ context.Context, sagaID string) (func(), error) {
	if _, loaded := l.held.LoadOrStore(sagaID, struct{}{}); loaded {
		return nil, ErrSagaBusy
	}
	return func() { l.held.Delete(sagaID) }, nil
}
