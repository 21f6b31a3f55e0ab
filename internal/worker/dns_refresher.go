package worker

import (
	"context"
	"time"
)

const dnsRefreshInterval = 5 * time.Minute

// Refresher refreshes cached DNS entries. *dnscache.Resolver implements it;
// clearUnused drops hosts not looked up since the previous refresh.
type Refresher interface {
	Refresh(clearUnused bool)
}

// DNSRefresher keeps the upstream transport's DNS cache current.
type DNSRefresher struct {
	resolver Refresher
	interval time.Duration
}

// NewDNSRefresher creates a DNSRefresher.
func NewDNSRefresher(resolver Refresher) *DNSRefresher {
	return &DNSRefresher{resolver: resolver, interval: dnsRefreshInterval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresher" }

// Run refreshes on every tick until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
