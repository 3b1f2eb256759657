package ipenrich

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/config"
)

func writeTable(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestEnricher(t *testing.T, cfg config.IPEnrichConfig) *Enricher {
	t.Helper()
	return New(cfg, cache.New(cache.DefaultConfig()))
}

func TestEnrichFromLocalTable(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "ranges.csv", `cidr,country,city,asn,organization
# comment line
203.0.113.0/24,NL,Amsterdam,64496,Example Hosting
198.51.100.0/24,US,Dallas,64497,Test Networks
`)
	e := newTestEnricher(t, config.IPEnrichConfig{DataDir: dir})

	enr := e.Enrich(context.Background(), "203.0.113.50")
	if !enr.Known {
		t.Fatal("expected a known enrichment")
	}
	if enr.Country != "NL" || enr.City != "Amsterdam" || enr.ASN != 64496 {
		t.Fatalf("enrichment = %+v", enr)
	}

	enr = e.Enrich(context.Background(), "198.51.100.1")
	if !enr.Known || enr.Country != "US" {
		t.Fatalf("second range: %+v", enr)
	}

	// Address outside every range.
	enr = e.Enrich(context.Background(), "192.0.2.1")
	if enr.Known {
		t.Fatalf("unknown address resolved: %+v", enr)
	}
}

func TestEnrichSkipsNonRoutable(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "ranges.csv", "cidr,country,city,asn,organization\n10.0.0.0/8,XX,Nowhere,1,Bogus\n")
	e := newTestEnricher(t, config.IPEnrichConfig{DataDir: dir})

	cases := []string{
		"10.1.2.3",        // private, even though a table row covers it
		"192.168.1.1",     // private
		"127.0.0.1",       // loopback
		"169.254.10.10",   // link-local
		"224.0.0.1",       // multicast
		"0.0.0.0",         // unspecified
		"not-an-ip",       // unparseable
		"999.999.999.999", // unparseable
	}
	for _, ip := range cases {
		enr := e.Enrich(context.Background(), ip)
		if enr.Known || enr.IsHighRisk {
			t.Errorf("%s should stay unknown, got %+v", ip, enr)
		}
	}
}

func TestHighRiskFlags(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "ranges.csv", `cidr,country,city,asn,organization
203.0.113.0/24,kp,Pyongyang,64496,Flagged Net
198.51.100.0/24,US,Dallas,64497,Clean Net
192.0.2.0/24,US,Reno,65000,Flagged ASN
`)
	e := newTestEnricher(t, config.IPEnrichConfig{
		DataDir:           dir,
		HighRiskCountries: []string{"KP"},
		HighRiskASNs:      []int{65000},
	})

	if enr := e.Enrich(context.Background(), "203.0.113.1"); !enr.IsHighRisk {
		t.Fatalf("country flag missed: %+v", enr)
	}
	if enr := e.Enrich(context.Background(), "198.51.100.1"); enr.IsHighRisk {
		t.Fatalf("clean network flagged: %+v", enr)
	}
	if enr := e.Enrich(context.Background(), "192.0.2.1"); !enr.IsHighRisk {
		t.Fatalf("ASN flag missed: %+v", enr)
	}
}

func TestEnrichCaches(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "ranges.csv", "cidr,country,city,asn,organization\n203.0.113.0/24,NL,Amsterdam,64496,Example\n")
	c := cache.New(cache.DefaultConfig())
	e := New(config.IPEnrichConfig{DataDir: dir}, c)

	e.Enrich(context.Background(), "203.0.113.9")
	e.Enrich(context.Background(), "203.0.113.9")

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Fatalf("cache hits = %d, want 1", stats.Hits)
	}
}

func TestNestedPrefixesPreferMoreSpecific(t *testing.T) {
	dir := t.TempDir()
	// The /28 starts at the same address as the /24; the scan-back from the
	// binary search position must still find a containing range.
	writeTable(t, dir, "ranges.csv", `cidr,country,city,asn,organization
203.0.113.0/24,NL,Amsterdam,64496,Wide Range
203.0.113.0/28,NL,Rotterdam,64499,Narrow Range
`)
	e := newTestEnricher(t, config.IPEnrichConfig{DataDir: dir})

	enr := e.Enrich(context.Background(), "203.0.113.200")
	if !enr.Known || enr.ASN != 64496 {
		t.Fatalf("address outside the /28 must hit the /24: %+v", enr)
	}
	enr = e.Enrich(context.Background(), "203.0.113.5")
	if !enr.Known {
		t.Fatalf("address in both ranges unresolved: %+v", enr)
	}
}

func TestMissingDataDir(t *testing.T) {
	e := newTestEnricher(t, config.IPEnrichConfig{DataDir: "/nonexistent/path"})
	if enr := e.Enrich(context.Background(), "203.0.113.1"); enr.Known {
		t.Fatal("empty table must yield unknown, not an error")
	}
}
