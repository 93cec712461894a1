package ident

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"code.dogecoin.org/governor"

	"github.com/ircmux/identd/internal/spec"
)

// One request, one reply per connection; a peer that fails to send a
// complete line within this window is dropped without a reply.
const ReadTimeout = 5 * time.Second

// Server owns the ident listening socket's lifetime as a function of the
// active consumer count: the socket is bound on the 0→1 Register transition
// and released on the 1→0 Deregister transition.
type Server struct {
	governor.ServiceCtx
	bind     spec.Address
	registry spec.Registry
	store    spec.Store
	// MUTEX state:
	mutex       sync.Mutex
	cstore      spec.StoreCtx                // exchange log; nil until Run
	consumers   map[spec.ConsumerID]struct{} // consumers that currently need the listener
	listner     net.Listener                 // nil while no consumers
	conns       []net.Conn                   // in-flight accepted connections
	bindFailed  bool                         // sticky: the last bind attempt failed
	lastRequest string
	lastReply   string
}

var _ spec.IdentSvc = &Server{}

func New(bind spec.Address, registry spec.Registry, store spec.Store) *Server {
	return &Server{
		bind:      bind,
		registry:  registry,
		store:     store,
		consumers: make(map[spec.ConsumerID]struct{}),
	}
}

// goroutine
func (s *Server) Run() {
	s.mutex.Lock()
	if s.store != nil {
		s.cstore = s.store.WithCtx(s.Context) // Service Context is first available here
	}
	s.mutex.Unlock()
	// demand-driven: Register and Deregister open and close the socket.
	<-s.Context.Done()
}

// called from any
func (s *Server) Stop() {
	s.mutex.Lock() // vs Register,Deregister,trackConn,forgetConn
	defer s.mutex.Unlock()
	if s.listner != nil {
		s.listner.Close()
		s.listner = nil
	}
	// close all in-flight connections
	for _, c := range s.conns {
		c.Close()
	}
}

// Register records a consumer's interest in ident service, binding the
// listening socket on the 0→1 transition. If the socket cannot be bound the
// consumer is NOT added and ok is false; the failure stays visible through
// LastBindFailed until a later bind attempt succeeds.
// called from any
func (s *Server) Register(id spec.ConsumerID) (ok bool, alreadyBound bool) {
	s.mutex.Lock() // vs Deregister,Stop,trackConn
	defer s.mutex.Unlock()
	if _, have := s.consumers[id]; have {
		return true, true
	}
	if len(s.consumers) == 0 {
		if err := s.startListening(); err != nil {
			log.Printf("[%s] cannot listen on `%v`: %v", s.ServiceName, s.bind, err)
			s.bindFailed = true
			return false, false
		}
		s.bindFailed = false
	}
	s.consumers[id] = struct{}{}
	return true, false
}

// Deregister removes a consumer; when the last one leaves, the socket is
// closed and the port released before this returns.
// called from any
func (s *Server) Deregister(id spec.ConsumerID) (wasRegistered bool) {
	s.mutex.Lock() // vs Register,Stop,trackConn
	defer s.mutex.Unlock()
	if _, have := s.consumers[id]; !have {
		return false
	}
	delete(s.consumers, id)
	if len(s.consumers) == 0 && s.listner != nil {
		log.Printf("[%s] last consumer gone, closing ident listener", s.ServiceName)
		s.listner.Close()
		s.listner = nil
	}
	return true
}

// caller holds mutex
func (s *Server) startListening() error {
	listner, err := net.Listen("tcp", s.bind.String())
	if err != nil {
		return err
	}
	log.Printf("[%s] ident listening on %v", s.ServiceName, listner.Addr())
	s.listner = listner
	go s.acceptIncoming(listner)
	return nil
}

// goroutine
func (s *Server) acceptIncoming(listner net.Listener) {
	defer listner.Close()
	for {
		conn, err := listner.Accept()
		if err != nil {
			return // typically due to Deregister() or Stop()
		}
		if !s.trackConn(conn) {
			// accepted during listener teardown: drop without a reply
			conn.Close()
			continue
		}
		go s.serve(conn)
	}
}

// trackConn admits an accepted connection while consumers still need service.
// called from acceptIncoming
func (s *Server) trackConn(conn net.Conn) bool {
	s.mutex.Lock() // vs forgetConn,Stop
	defer s.mutex.Unlock()
	if len(s.consumers) == 0 {
		return false
	}
	s.conns = append(s.conns, conn)
	return true
}

// called from serve
func (s *Server) forgetConn(conn net.Conn) {
	s.mutex.Lock() // vs trackConn,Stop
	defer s.mutex.Unlock()
	for i, c := range s.conns {
		if c == conn {
			// remove from unordered array
			s.conns[i] = s.conns[len(s.conns)-1]
			s.conns = s.conns[:len(s.conns)-1]
			break
		}
	}
}

// goroutine; reads one line, writes one reply, closes the connection.
// Never holds the mutex across connection reads or writes.
func (s *Server) serve(conn net.Conn) {
	defer s.forgetConn(conn)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		// silent, slow or disconnected peer: drop without a reply
		return
	}
	line = strings.TrimRight(line, "\r\n")
	localIP := hostOnly(conn.LocalAddr().String())
	remoteIP := hostOnly(conn.RemoteAddr().String())
	log.Printf("[%s] ident request: %v from %v on %v", s.ServiceName, line, remoteIP, localIP)
	reply := Resolve(line, localIP, remoteIP, s.registry.Snapshot())
	wire := reply.String()
	log.Printf("[%s] ident response: %v", s.ServiceName, wire)
	s.recordExchange(line, remoteIP, localIP, reply, wire)
	conn.Write([]byte(wire + "\r\n"))
}

// called from serve
func (s *Server) recordExchange(line string, remoteIP string, localIP string, reply Reply, wire string) {
	s.mutex.Lock() // vs LastRequest,LastReply
	s.lastRequest = fmt.Sprintf("%s from %s on %s", line, remoteIP, localIP)
	s.lastReply = wire
	cstore := s.cstore
	s.mutex.Unlock()
	if cstore != nil {
		err := cstore.AddExchange(spec.Exchange{
			Time:    time.Now(),
			Peer:    remoteIP,
			Request: line,
			Reply:   wire,
			Kind:    reply.Kind,
		})
		if err != nil {
			log.Printf("[%s] cannot log exchange: %v", s.ServiceName, err)
		}
	}
}

// STATUS INTERFACE

func (s *Server) IsListening() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.listner != nil
}

func (s *Server) LastBindFailed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.bindFailed
}

func (s *Server) ActiveConsumerCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.consumers)
}

func (s *Server) LastRequest() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastRequest
}

func (s *Server) LastReply() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastReply
}

// Addr reports the bound listener address, or nil while closed.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listner == nil {
		return nil
	}
	return s.listner.Addr()
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
