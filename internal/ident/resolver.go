package ident

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ircmux/identd/internal/spec"
)

// Reply kinds and error details per RFC 1413.
const (
	KindUserID = "USERID"
	KindError  = "ERROR"

	ErrNoUser      = "NO-USER"
	ErrInvalidPort = "INVALID-PORT"
)

// Query is a parsed ident request: the port pair the peer asks about.
type Query struct {
	LocalPort  uint16 // local port we connected to the IRC server FROM
	RemotePort uint16 // remote server port we connected TO, e.g. 6667
}

// Reply is a structured ident response.
type Reply struct {
	LocalPort  uint16
	RemotePort uint16
	Kind       string
	Detail     string
}

// String renders the reply in wire form, without the trailing CRLF.
func (r Reply) String() string {
	return fmt.Sprintf("%d, %d : %s : %s", r.LocalPort, r.RemotePort, r.Kind, r.Detail)
}

// ParseQuery parses a request line of the form "<local-port> , <remote-port>".
// Whitespace around the ports is tolerated; extra tokens, a missing comma or
// anything outside uint16 range fails.
func ParseQuery(line string) (Query, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Query{}, false
	}
	lport, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return Query{}, false
	}
	rport, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return Query{}, false
	}
	return Query{LocalPort: uint16(lport), RemotePort: uint16(rport)}, true
}

// Resolve computes the reply for one request line, scanning a snapshot of
// the host's outbound connections. An exact match on the port pair is
// authoritative and stops the scan. A record matching only on remote
// endpoint and local address is kept as a provisional answer; the first one
// found is retained, so the snapshot's enumeration order decides between
// ambiguous fallbacks.
func Resolve(line string, localIP string, remoteIP string, snapshot []spec.ConnRecord) Reply {
	q, ok := ParseQuery(line)
	if !ok {
		// ports genuinely unknown here; the protocol has nothing better to report
		return Reply{Kind: KindError, Detail: ErrInvalidPort}
	}
	reply := Reply{LocalPort: q.LocalPort, RemotePort: q.RemotePort, Kind: KindError, Detail: ErrNoUser}
	fallback := ""
	haveFallback := false
	for _, rec := range snapshot {
		if !addressEquivalent(rec.LocalIP, localIP) {
			continue
		}
		if rec.LocalPort == q.LocalPort && rec.RemotePort == q.RemotePort {
			// exact match found, leave the loop:
			reply.Kind = KindUserID
			reply.Detail = "UNIX : " + rec.Identity
			return reply
		}
		if !haveFallback && rec.RemoteIP == remoteIP && rec.RemotePort == q.RemotePort {
			fallback = rec.Identity
			haveFallback = true
			// keep scanning, we may find an exact match
		}
	}
	if haveFallback {
		reply.Kind = KindUserID
		reply.Detail = "UNIX : " + fallback
	}
	return reply
}

// addressEquivalent compares two IP strings, dropping an IPv4-mapped IPv6
// prefix on either side: dual-stack hosts report either form.
func addressEquivalent(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "::ffff:"), strings.TrimPrefix(b, "::ffff:"))
}
