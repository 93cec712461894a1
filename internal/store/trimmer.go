package store

import (
	"log"
	"time"

	"code.dogecoin.org/governor"

	"github.com/ircmux/identd/internal/spec"
)

// Keep exchange log entries for 7 days before expiry
const ExchangeLongevity = 7 * 24 * time.Hour
const TrimInterval = 1 * time.Hour

// StoreTrimmer periodically expires old rows from the exchange log.
type StoreTrimmer struct {
	governor.ServiceCtx
	_store spec.Store
	store  spec.StoreCtx
}

func NewStoreTrimmer(store spec.Store) governor.Service {
	return &StoreTrimmer{_store: store}
}

// goroutine
func (t *StoreTrimmer) Run() {
	t.store = t._store.WithCtx(t.Context) // Service Context is first available here
	for {
		removed, err := t.store.TrimExchanges(time.Now().Add(-ExchangeLongevity))
		if err != nil {
			log.Printf("[%s] %v", t.ServiceName, err)
		} else if removed > 0 {
			log.Printf("[%s] trimmed %d expired exchanges", t.ServiceName, removed)
		}
		if t.Sleep(TrimInterval) {
			return
		}
	}
}
