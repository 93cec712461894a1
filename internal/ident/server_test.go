package ident

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ircmux/identd/internal/spec"
	"github.com/ircmux/identd/internal/tracker"
)

func testBind(t *testing.T) spec.Address {
	t.Helper()
	return spec.Address{Host: net.ParseIP("127.0.0.1"), Port: 0}
}

func TestRegisterDeregisterLifecycle(t *testing.T) {
	s := New(testBind(t), tracker.New(), nil)
	if s.IsListening() {
		t.Fatal("listening before any Register")
	}

	ok, already := s.Register("net-a")
	if !ok || already {
		t.Fatalf("first Register = %v,%v want true,false", ok, already)
	}
	if !s.IsListening() {
		t.Fatal("not listening after 0→1 Register")
	}
	if s.ActiveConsumerCount() != 1 {
		t.Fatalf("consumer count = %d want 1", s.ActiveConsumerCount())
	}

	// re-registering the same consumer is a no-op
	ok, already = s.Register("net-a")
	if !ok || !already {
		t.Fatalf("repeat Register = %v,%v want true,true", ok, already)
	}
	if s.ActiveConsumerCount() != 1 {
		t.Fatalf("consumer count after repeat = %d want 1", s.ActiveConsumerCount())
	}

	ok, already = s.Register("net-b")
	if !ok || already {
		t.Fatalf("second Register = %v,%v want true,false", ok, already)
	}
	if s.ActiveConsumerCount() != 2 {
		t.Fatalf("consumer count = %d want 2", s.ActiveConsumerCount())
	}

	if !s.Deregister("net-b") {
		t.Fatal("Deregister(net-b) = false want true")
	}
	if !s.IsListening() {
		t.Fatal("listener closed while a consumer remains")
	}

	if !s.Deregister("net-a") {
		t.Fatal("Deregister(net-a) = false want true")
	}
	if s.IsListening() {
		t.Fatal("still listening after 1→0 Deregister")
	}
	if s.Deregister("net-a") {
		t.Fatal("Deregister of absent consumer = true want false")
	}
	if s.IsListening() || s.ActiveConsumerCount() != 0 {
		t.Fatal("absent Deregister changed listener state")
	}

	// reopen after closing
	ok, _ = s.Register("net-c")
	if !ok || !s.IsListening() {
		t.Fatal("cannot reopen listener after close")
	}
	s.Deregister("net-c")
}

func TestBindFailureIsSticky(t *testing.T) {
	// occupy a port so the bind fails
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr, err := spec.ParseAddress(blocker.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	s := New(addr, tracker.New(), nil)
	ok, already := s.Register("net-a")
	if ok || already {
		t.Fatalf("Register with port in use = %v,%v want false,false", ok, already)
	}
	if !s.LastBindFailed() {
		t.Fatal("LastBindFailed = false after failed bind")
	}
	if s.ActiveConsumerCount() != 0 {
		t.Fatal("failed Register added the consumer")
	}
	if s.IsListening() {
		t.Fatal("listening after failed bind")
	}

	// the next 0→1 transition retries the bind
	blocker.Close()
	ok, already = s.Register("net-a")
	if !ok || already {
		t.Fatalf("Register after port freed = %v,%v want true,false", ok, already)
	}
	if s.LastBindFailed() {
		t.Fatal("LastBindFailed still set after successful bind")
	}
	s.Deregister("net-a")
}

func TestConcurrentConsumers(t *testing.T) {
	s := New(testBind(t), tracker.New(), nil)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := s.Register(spec.ConsumerID(fmt.Sprintf("net-%d", i)))
			if !ok {
				t.Errorf("Register(net-%d) failed", i)
			}
		}(i)
	}
	wg.Wait()
	if !s.IsListening() || s.ActiveConsumerCount() != n {
		t.Fatalf("after %d registrations: listening=%v count=%d", n, s.IsListening(), s.ActiveConsumerCount())
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !s.Deregister(spec.ConsumerID(fmt.Sprintf("net-%d", i))) {
				t.Errorf("Deregister(net-%d) = false", i)
			}
		}(i)
	}
	wg.Wait()
	if s.IsListening() || s.ActiveConsumerCount() != 0 {
		t.Fatalf("after deregistering all: listening=%v count=%d", s.IsListening(), s.ActiveConsumerCount())
	}
}

func query(t *testing.T, addr net.Addr, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return strings.TrimRight(reply, "\r\n")
}

func TestServeQueries(t *testing.T) {
	track := tracker.New()
	s := New(testBind(t), track, nil)
	ok, _ := s.Register("net-a")
	if !ok {
		t.Fatal("Register failed")
	}
	defer s.Deregister("net-a")

	track.Add("net-a", spec.ConnRecord{
		LocalIP:    "127.0.0.1",
		LocalPort:  6667,
		RemoteIP:   "203.0.113.9", // not where the test query comes from
		RemotePort: 6697,
		Identity:   "alice",
	})

	got := query(t, s.Addr(), "6667, 6697")
	if got != "6667, 6697 : USERID : UNIX : alice" {
		t.Errorf("reply = %q", got)
	}

	// wrong local port, and the remote endpoint differs: no fallback either
	got = query(t, s.Addr(), "9999, 6697")
	if got != "9999, 6697 : ERROR : NO-USER" {
		t.Errorf("reply = %q", got)
	}

	got = query(t, s.Addr(), "what is this")
	if got != "0, 0 : ERROR : INVALID-PORT" {
		t.Errorf("reply = %q", got)
	}

	if !strings.Contains(s.LastRequest(), "what is this") {
		t.Errorf("LastRequest = %q", s.LastRequest())
	}
	if s.LastReply() != "0, 0 : ERROR : INVALID-PORT" {
		t.Errorf("LastReply = %q", s.LastReply())
	}
}

func TestIncompleteLineGetsNoReply(t *testing.T) {
	s := New(testBind(t), tracker.New(), nil)
	ok, _ := s.Register("net-a")
	if !ok {
		t.Fatal("Register failed")
	}
	defer s.Deregister("net-a")

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// no line terminator, then half-close: the server must drop silently
	if _, err := conn.Write([]byte("6667, 6697")); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	if n != 0 {
		t.Errorf("got %q, want no reply", buf[:n])
	}
}

func TestPortReleasedOnLastDeregister(t *testing.T) {
	s := New(testBind(t), tracker.New(), nil)
	ok, _ := s.Register("net-a")
	if !ok {
		t.Fatal("Register failed")
	}
	addr := s.Addr().String()
	if !s.Deregister("net-a") {
		t.Fatal("Deregister failed")
	}
	// the port must be immediately rebindable
	listner, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	listner.Close()
}
