package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"code.dogecoin.org/governor"

	"github.com/ircmux/identd/internal/spec"
	"github.com/ircmux/identd/internal/tracker"
)

func New(bind spec.Address, identSvc spec.IdentSvc, track *tracker.Tracker, store spec.Store) governor.Service {
	mux := http.NewServeMux()
	a := &WebAPI{
		_store: store,
		srv: http.Server{
			Addr:    bind.String(),
			Handler: mux,
		},
		ident: identSvc,
		track: track,
	}
	mux.HandleFunc("/status", a.getStatus)
	mux.HandleFunc("/connections", a.getConnections)
	mux.HandleFunc("/addconn", a.addConn)
	mux.HandleFunc("/removeconn", a.removeConn)
	mux.HandleFunc("/exchanges", a.getExchanges)

	return a
}

type WebAPI struct {
	governor.ServiceCtx
	_store spec.Store
	store  spec.StoreCtx
	srv    http.Server
	ident  spec.IdentSvc
	track  *tracker.Tracker
}

// called on any
func (a *WebAPI) Stop() {
	// new goroutine because Shutdown() blocks
	go func() {
		// cannot use ServiceCtx here because it's already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.srv.Shutdown(ctx) // blocking call
		cancel()
	}()
}

// goroutine
func (a *WebAPI) Run() {
	a.store = a._store.WithCtx(a.Context) // Service Context is first available here
	log.Printf("[%s] HTTP server listening on: %v", a.ServiceName, a.srv.Addr)
	if err := a.srv.ListenAndServe(); err != http.ErrServerClosed { // blocking call
		log.Printf("[%s] HTTP server: %v", a.ServiceName, err)
	}
}

type StatusRes struct {
	Listening   bool   `json:"listening"`
	BindFailed  bool   `json:"bind_failed"`
	Consumers   int    `json:"consumers"`
	LastRequest string `json:"last_request"`
	LastReply   string `json:"last_reply"`
}

func (a *WebAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		res := StatusRes{
			Listening:   a.ident.IsListening(),
			BindFailed:  a.ident.LastBindFailed(),
			Consumers:   a.ident.ActiveConsumerCount(),
			LastRequest: a.ident.LastRequest(),
			LastReply:   a.ident.LastReply(),
		}
		sendJson(w, res, "GET, OPTIONS")
	} else {
		options(w, r, "GET, OPTIONS")
	}
}

func (a *WebAPI) getConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		sendJson(w, a.track.List(), "GET, OPTIONS")
	} else {
		options(w, r, "GET, OPTIONS")
	}
}

type AddConn struct {
	ID string `json:"id"`
	spec.ConnRecord
}

type AddConnRes struct {
	OK           bool `json:"ok"`
	AlreadyBound bool `json:"already_bound"`
}

func (a *WebAPI) addConn(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		// request
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		var to AddConn
		err = json.Unmarshal(body, &to)
		if err != nil {
			http.Error(w, fmt.Sprintf("error decoding JSON: %s", err.Error()), http.StatusBadRequest)
			return
		}
		if to.ID == "" {
			http.Error(w, "missing connection id", http.StatusBadRequest)
			return
		}

		// register the consumer before exposing the record
		ok, already := a.ident.Register(spec.ConsumerID(to.ID))
		if !ok {
			http.Error(w, "ident listener bind failed", http.StatusServiceUnavailable)
			return
		}
		a.track.Add(spec.ConsumerID(to.ID), to.ConnRecord)
		log.Printf("added connection: %v %v:%v -> %v:%v (%v)", to.ID, to.LocalIP, to.LocalPort, to.RemoteIP, to.RemotePort, to.Identity)

		// response
		sendJson(w, AddConnRes{OK: ok, AlreadyBound: already}, "POST, OPTIONS")
	} else {
		options(w, r, "POST, OPTIONS")
	}
}

type RemoveConn struct {
	ID string `json:"id"`
}

type RemoveConnRes struct {
	WasRegistered bool `json:"was_registered"`
}

func (a *WebAPI) removeConn(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		var to RemoveConn
		err = json.Unmarshal(body, &to)
		if err != nil {
			http.Error(w, fmt.Sprintf("error decoding JSON: %s", err.Error()), http.StatusBadRequest)
			return
		}
		if to.ID == "" {
			http.Error(w, "missing connection id", http.StatusBadRequest)
			return
		}

		a.track.Remove(spec.ConsumerID(to.ID))
		was := a.ident.Deregister(spec.ConsumerID(to.ID))
		log.Printf("removed connection: %v (was registered: %v)", to.ID, was)

		sendJson(w, RemoveConnRes{WasRegistered: was}, "POST, OPTIONS")
	} else {
		options(w, r, "POST, OPTIONS")
	}
}

func (a *WebAPI) getExchanges(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		limit := 50
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		list, err := a.store.RecentExchanges(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("error in query: %s", err.Error()), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []spec.Exchange{}
		}
		sendJson(w, list, "GET, OPTIONS")
	} else {
		options(w, r, "GET, OPTIONS")
	}
}

func sendJson(w http.ResponseWriter, res any, allow string) {
	bytes, err := json.Marshal(res)
	if err != nil {
		http.Error(w, fmt.Sprintf("error encoding JSON: %s", err.Error()), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(bytes)))
	w.Header().Set("Allow", allow)
	w.Write(bytes)
}

func options(w http.ResponseWriter, r *http.Request, options string) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", options)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", options)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
