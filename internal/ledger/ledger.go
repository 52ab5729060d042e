// Package ledger maps client idempotency keys to order ids.
package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"fleetcommand.gg/internal/persistence/store"
)

type Ledger struct {
	keys  store.KeyStore
	newID func() string
}

type Option func(*Ledger)

// WithIDFunc replaces the uuid generator, mostly for tests.
func WithIDFunc(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func New(keys store.KeyStore, opts ...Option) *Ledger {
	l := &Ledger{keys: keys, newID: uuid.NewString}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LookupOrAssign returns the order id bound to key. An empty key always gets
// a fresh id and nothing is recorded. A new key is bound durably before the
// id is returned, so a retry after a crash still resolves to the same order.
func (l *Ledger) LookupOrAssign(ctx context.Context, key string) (orderID string, existed bool, err error) {
	candidate := l.newID()
	key = strings.TrimSpace(key)
	if key == "" {
		return candidate, false, nil
	}
	return l.keys.ReserveKey(ctx, key, candidate)
}
