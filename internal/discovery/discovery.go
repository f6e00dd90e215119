// Package discovery resolves the mDNS services a wireless-debugging
// daemon advertises: one for its pairing service, one for its already-
// paired ADB connect service. Neither ever leaves the local network
// segment, so every resolved address is filtered against the host's own
// interfaces before it is trusted.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Kind distinguishes the two service types a daemon advertises.
type Kind int

const (
	KindPairing Kind = iota
	KindConnect
)

func (k Kind) serviceType() string {
	switch k {
	case KindPairing:
		return "_adb-tls-pairing._tcp."
	case KindConnect:
		return "_adb-tls-connect._tcp."
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case KindPairing:
		return "pairing"
	case KindConnect:
		return "connect"
	default:
		return "unknown"
	}
}

// Endpoint is a resolved, address-filtered service instance.
type Endpoint struct {
	Kind Kind
	Host string
	Port int
}

// Watcher browses both service types and tracks the most recently
// resolved endpoint of each kind. Wireless-debugging advertisements are
// short-lived by design, so a cached endpoint is kept even once mDNS
// stops refreshing it — Run never clears an entry on its own.
type Watcher struct {
	mu      sync.Mutex
	last    map[Kind]Endpoint
	updates chan Endpoint
}

// NewWatcher returns a Watcher with an empty cache.
func NewWatcher() *Watcher {
	return &Watcher{
		last:    make(map[Kind]Endpoint),
		updates: make(chan Endpoint, 16),
	}
}

// Updates returns the channel new, filtered endpoints are published on.
// Observers must never block this channel for long: a full buffer causes
// Run to drop the update rather than stall discovery for a slow reader.
func (w *Watcher) Updates() <-chan Endpoint {
	return w.updates
}

// LastEndpoint returns the most recently cached endpoint of kind, if any.
func (w *Watcher) LastEndpoint(kind Kind) (Endpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ep, ok := w.last[kind]
	return ep, ok
}

// Run browses both service types until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}

	var wg sync.WaitGroup
	for _, kind := range []Kind{KindPairing, KindConnect} {
		entries := make(chan *zeroconf.ServiceEntry, 8)
		wg.Add(1)
		go func(kind Kind) {
			defer wg.Done()
			w.consume(kind, entries)
		}(kind)

		if err := resolver.Browse(ctx, kind.serviceType(), "local.", entries); err != nil {
			return fmt.Errorf("discovery: browse %s: %w", kind.serviceType(), err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Watcher) consume(kind Kind, entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		ep, ok := filterEntry(kind, entry)
		if !ok {
			continue
		}

		w.mu.Lock()
		w.last[kind] = ep
		w.mu.Unlock()

		select {
		case w.updates <- ep:
		default:
		}
	}
}

// filterEntry accepts the entry's first address that is either loopback
// or assigned to a local interface, and drops everything else — a daemon
// on another host on the same LAN must never be mistaken for this one's
// own device.
func filterEntry(kind Kind, entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)

	for _, ip := range addrs {
		if isAcceptableAddress(ip) {
			return Endpoint{Kind: kind, Host: ip.String(), Port: entry.Port}, true
		}
	}
	return Endpoint{}, false
}

func isAcceptableAddress(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
