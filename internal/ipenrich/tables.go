package ipenrich

import (
	"encoding/csv"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// loadTables reads every *.csv under dir. Rows are
// cidr,country,city,asn,organization; blank fields are allowed and rows that
// do not parse are skipped with a count.
func (e *Enricher) loadTables(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("no lookup tables in %s", dir)
	}

	var entries []rangeEntry
	for _, path := range paths {
		rows, err := readTable(path)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		entries = append(entries, rows...)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].prefix.Addr().Compare(entries[j].prefix.Addr()) < 0
	})

	e.mu.Lock()
	e.entries = entries
	e.mu.Unlock()
	return len(entries), nil
}

func readTable(path string) ([]rangeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	var entries []rangeEntry
	for _, row := range rows {
		if len(row) < 2 || strings.HasPrefix(row[0], "#") || row[0] == "cidr" {
			continue
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(row[0]))
		if err != nil {
			continue
		}
		ent := rangeEntry{prefix: prefix, country: strings.TrimSpace(row[1])}
		if len(row) > 2 {
			ent.city = strings.TrimSpace(row[2])
		}
		if len(row) > 3 {
			ent.asn, _ = strconv.Atoi(strings.TrimSpace(row[3]))
		}
		if len(row) > 4 {
			ent.organization = strings.TrimSpace(row[4])
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

func normalizeCountry(cc string) string {
	return strings.ToUpper(strings.TrimSpace(cc))
}
