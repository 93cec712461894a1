package main

import (
	"log"
	"net"
	"os"
	"strconv"

	"github.com/ircmux/identd/internal/spec"
	identd "github.com/ircmux/identd/pkg"
)

func main() {
	cfg := identd.Config{
		IdentBind: bindAddr("IDENT_BIND", "0.0.0.0", "IDENT_PORT", 113),
		WebBind:   bindAddr("IDENT_WEB_HOST", "localhost", "IDENT_WEB_PORT", 8113),
		DBFile:    getEnv("IDENT_DB", "identd.db"),
	}
	// optional ident port override on the command line.
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Printf("usage: identd [ident-port]")
			os.Exit(1)
		}
		cfg.IdentBind.Port = uint16(port)
	}
	if err := identd.Identd(cfg); err != nil {
		os.Exit(1)
	}
}

func bindAddr(hostKey string, hostDef string, portKey string, portDef uint16) spec.Address {
	host := net.ParseIP(getEnv(hostKey, hostDef))
	if host == nil {
		// named hosts (e.g. "localhost") resolve here
		ips, err := net.LookupIP(getEnv(hostKey, hostDef))
		if err != nil || len(ips) == 0 {
			log.Printf("invalid bind host in %s", hostKey)
			os.Exit(1)
		}
		host = ips[0]
	}
	port := portDef
	if v, exists := os.LookupEnv(portKey); exists {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			log.Printf("invalid port in %s: %v", portKey, v)
			os.Exit(1)
		}
		port = uint16(p)
	}
	return spec.Address{Host: host, Port: port}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
