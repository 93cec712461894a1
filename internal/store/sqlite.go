package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ircmux/identd/internal/spec"
)

type SQLiteStore struct {
	db *sql.DB
}

type SQLiteStoreCtx struct {
	_db *sql.DB
	ctx context.Context
}

var _ spec.Store = &SQLiteStore{}

const SQL_SCHEMA string = `
CREATE TABLE IF NOT EXISTS exchange (
	time INTEGER NOT NULL,
	peer TEXT NOT NULL,
	request TEXT NOT NULL,
	reply TEXT NOT NULL,
	kind TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS exchange_time_i ON exchange (time);
`

// NewSQLiteStore returns a spec.Store implementation that uses SQLite
func NewSQLiteStore(fileName string, ctx context.Context) (spec.Store, error) {
	db, err := sql.Open("sqlite3", fileName)
	store := &SQLiteStore{db: db}
	if err != nil {
		return store, fmt.Errorf("[Store] opening database: %v", err)
	}
	// limit concurrent access until we figure out a way to start transactions
	// with the BEGIN CONCURRENT statement in Go.
	db.SetMaxOpenConns(1)
	// init tables / indexes
	_, err = db.Exec(SQL_SCHEMA)
	if err != nil {
		return store, fmt.Errorf("[Store] creating database schema: %v", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) WithCtx(ctx context.Context) spec.StoreCtx {
	return &SQLiteStoreCtx{
		_db: s.db,
		ctx: ctx,
	}
}

func IsConflict(err error) bool {
	if sqErr, isSq := err.(sqlite3.Error); isSq {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	return false
}

func (s *SQLiteStoreCtx) doTxn(name string, work func(tx *sql.Tx) error) error {
	db := s._db
	limit := 120
	for {
		tx, err := db.Begin()
		if err != nil {
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return fmt.Errorf("[Store] cannot begin transaction: %v", err)
		}
		err = work(tx)
		if err != nil {
			tx.Rollback()
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return fmt.Errorf("[Store] %v: %v", name, err)
		}
		err = tx.Commit()
		if err != nil {
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return fmt.Errorf("[Store] cannot commit %v: %v", name, err)
		}
		return nil
	}
}

func (s *SQLiteStoreCtx) Sleep(dur time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(dur):
	}
}

// STORE INTERFACE

func (s *SQLiteStoreCtx) AddExchange(x spec.Exchange) error {
	return s.doTxn("AddExchange", func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO exchange (time,peer,request,reply,kind) VALUES (?,?,?,?,?)",
			x.Time.Unix(), x.Peer, x.Request, x.Reply, x.Kind)
		return err
	})
}

func (s *SQLiteStoreCtx) RecentExchanges(limit int) (res []spec.Exchange, err error) {
	if limit <= 0 {
		limit = 50
	}
	err = s.doTxn("RecentExchanges", func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT time,peer,request,reply,kind FROM exchange ORDER BY time DESC, rowid DESC LIMIT ?", limit)
		if err != nil {
			return fmt.Errorf("query: %v", err)
		}
		defer rows.Close()
		for rows.Next() {
			var unix int64
			var x spec.Exchange
			err := rows.Scan(&unix, &x.Peer, &x.Request, &x.Reply, &x.Kind)
			if err != nil {
				return fmt.Errorf("scanning row: %v", err)
			}
			x.Time = time.Unix(unix, 0)
			res = append(res, x)
		}
		return rows.Err()
	})
	return
}

func (s *SQLiteStoreCtx) TrimExchanges(before time.Time) (removed int64, err error) {
	err = s.doTxn("TrimExchanges", func(tx *sql.Tx) error {
		r, err := tx.Exec("DELETE FROM exchange WHERE time < ?", before.Unix())
		if err != nil {
			return err
		}
		removed, err = r.RowsAffected()
		return err
	})
	return
}
