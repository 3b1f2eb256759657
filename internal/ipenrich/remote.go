package ipenrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

// remoteClient queries a JSON geo provider for addresses missing from the
// local tables, under a fixed per-minute budget so a flood of unknown IPs
// cannot exhaust an external quota.
type remoteClient struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	windowStart time.Time
	usedInWin   int
	ratePerMin  int
}

func newRemoteClient(url string, ratePerMin int) *remoteClient {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	return &remoteClient{
		url:        url,
		ratePerMin: ratePerMin,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// allow consumes one slot from the per-minute budget.
func (r *remoteClient) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.usedInWin = 0
	}
	if r.usedInWin >= r.ratePerMin {
		return false
	}
	r.usedInWin++
	return true
}

type remoteResponse struct {
	Country      string `json:"country"`
	City         string `json:"city"`
	ASN          int    `json:"asn"`
	Organization string `json:"organization"`
}

// lookup returns nil on any failure; the caller treats that as unknown.
func (r *remoteClient) lookup(ctx context.Context, addr netip.Addr) *models.IPEnrichment {
	if !r.allow() {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", r.url, addr.String()), nil)
	if err != nil {
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("ip", addr.String()).Msg("Remote IP lookup failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	if out.Country == "" && out.ASN == 0 {
		return nil
	}
	return &models.IPEnrichment{
		IP:           addr.String(),
		Country:      out.Country,
		City:         out.City,
		ASN:          out.ASN,
		Organization: out.Organization,
		Known:        true,
	}
}
