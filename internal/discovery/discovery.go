// Package discovery finds stmon transceiver servers on the local network via
// mDNS. Servers advertise themselves as _stmon._tcp.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_stmon._tcp"

// Server describes a discovered transceiver server.
type Server struct {
	Name string
	Host string
	Port int
}

// Addr returns the server's dialable host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Browse queries the local network for stmon servers and returns everything
// found within timeout. A nil slice with a nil error means no servers
// answered.
func Browse(timeout time.Duration) ([]Server, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []Server, 1)

	go func() {
		var found []Server
		for entry := range entries {
			host := ""
			if entry.AddrV4 != nil {
				host = entry.AddrV4.String()
			} else if entry.AddrV6 != nil {
				host = entry.AddrV6.String()
			}
			if host == "" {
				continue
			}
			found = append(found, Server{
				Name: entry.Name,
				Host: host,
				Port: entry.Port,
			})
		}
		done <- found
	}()

	params := &mdns.QueryParam{
		Service: serviceType,
		Domain:  "local",
		Timeout: timeout,
		Entries: entries,
	}
	err := mdns.Query(params)
	close(entries)
	found := <-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return found, nil
}
