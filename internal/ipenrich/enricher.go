// Package ipenrich resolves external IP addresses to geo/ASN context from
// local lookup tables, with an optional rate-limited remote provider for
// addresses the tables do not cover.
package ipenrich

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/models"
)

// rangeEntry is one CIDR row from the lookup table, kept sorted by network
// start address for binary search.
type rangeEntry struct {
	prefix       netip.Prefix
	country      string
	city         string
	asn          int
	organization string
}

// Enricher answers geo/ASN lookups. Lookups never fail the pipeline: any
// error path yields an unknown enrichment.
type Enricher struct {
	cfg   config.IPEnrichConfig
	cache *cache.Cache

	mu      sync.RWMutex
	entries []rangeEntry

	highRiskCountries map[string]bool
	highRiskASNs      map[int]bool

	remote *remoteClient
}

// New builds an enricher and loads the lookup tables from cfg.DataDir.
// Missing tables are not fatal; the enricher runs local-empty.
func New(cfg config.IPEnrichConfig, c *cache.Cache) *Enricher {
	e := &Enricher{
		cfg:               cfg,
		cache:             c,
		highRiskCountries: make(map[string]bool, len(cfg.HighRiskCountries)),
		highRiskASNs:      make(map[int]bool, len(cfg.HighRiskASNs)),
	}
	for _, cc := range cfg.HighRiskCountries {
		e.highRiskCountries[normalizeCountry(cc)] = true
	}
	for _, asn := range cfg.HighRiskASNs {
		e.highRiskASNs[asn] = true
	}
	if cfg.RemoteProviderURL != "" {
		e.remote = newRemoteClient(cfg.RemoteProviderURL, cfg.RemoteRatePerMin)
	}
	if cfg.DataDir != "" {
		if n, err := e.loadTables(cfg.DataDir); err != nil {
			log.Warn().Err(err).Str("dir", cfg.DataDir).Msg("IP lookup tables unavailable")
		} else {
			log.Info().Int("ranges", n).Str("dir", cfg.DataDir).Msg("Loaded IP lookup tables")
		}
	}
	return e
}

func (e *Enricher) cacheTTL() time.Duration {
	if e.cfg.CacheTTLMin > 0 {
		return time.Duration(e.cfg.CacheTTLMin) * time.Minute
	}
	return 240 * time.Minute
}

// Enrich resolves one address. Private, loopback, link-local and unparseable
// addresses return an unknown enrichment without any lookup.
func (e *Enricher) Enrich(ctx context.Context, ip string) *models.IPEnrichment {
	unknown := &models.IPEnrichment{IP: ip, Known: false}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return unknown
	}
	if !addr.IsValid() || addr.IsPrivate() || addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return unknown
	}

	key := addr.String()
	if v, ok := e.cache.Get(cache.KeyspaceIPEnrichment, key); ok {
		return v.(*models.IPEnrichment)
	}

	enr := e.lookupLocal(addr)
	if enr == nil && e.remote != nil {
		enr = e.remote.lookup(ctx, addr)
	}
	if enr == nil {
		enr = unknown
	}
	e.finalize(enr)

	e.cache.Put(cache.KeyspaceIPEnrichment, key, enr, e.cacheTTL(), 256)
	return enr
}

// lookupLocal binary-searches the sorted range table.
func (e *Enricher) lookupLocal(addr netip.Addr) *models.IPEnrichment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.entries) == 0 {
		return nil
	}

	// Last entry whose network start is <= addr, then verify containment.
	i := sort.Search(len(e.entries), func(i int) bool {
		return e.entries[i].prefix.Addr().Compare(addr) > 0
	})
	for j := i - 1; j >= 0 && j >= i-4; j-- {
		if e.entries[j].prefix.Contains(addr) {
			ent := e.entries[j]
			return &models.IPEnrichment{
				IP:           addr.String(),
				Country:      ent.country,
				City:         ent.city,
				ASN:          ent.asn,
				Organization: ent.organization,
				Known:        true,
			}
		}
	}
	return nil
}

// finalize applies the high-risk country/ASN flags.
func (e *Enricher) finalize(enr *models.IPEnrichment) {
	if !enr.Known {
		return
	}
	if e.highRiskCountries[normalizeCountry(enr.Country)] || e.highRiskASNs[enr.ASN] {
		enr.IsHighRisk = true
	}
}
