package spec

import (
	"context"
	"time"
)

// Exchange is one served ident request/response pair.
type Exchange struct {
	Time    time.Time `json:"time"`
	Peer    string    `json:"peer"`    // IP of the querying peer
	Request string    `json:"request"` // raw request line
	Reply   string    `json:"reply"`   // reply line as written to the wire
	Kind    string    `json:"kind"`    // USERID or ERROR
}

type Store interface {
	WithCtx(ctx context.Context) StoreCtx
	Close()
}

type StoreCtx interface {
	AddExchange(x Exchange) error
	RecentExchanges(limit int) ([]Exchange, error)
	TrimExchanges(before time.Time) (removed int64, err error)
}
