// Package discovery supplies the gossip seed addresses a node joins on
// start. Sources can be a static list, a seed file (or environment
// variable) and DNS records; Multi merges several of them.
package discovery

import (
    "sort"
    "strings"
)

// Discovery returns the current seed addresses (host:port).
type Discovery interface {
    Seeds() []string
}

type static []string

func (s static) Seeds() []string { return append([]string(nil), s...) }

// Static returns a Discovery that always yields seeds, trimmed and without
// empty entries.
func Static(seeds ...string) Discovery {
    return static(normalize(seeds, false))
}

// ParseList splits a comma-separated seed list.
func ParseList(csv string) []string {
    if csv == "" { return nil }
    return normalize(strings.Split(csv, ","), false)
}

type multi []Discovery

// Multi merges the seeds of every source, deduplicated and sorted.
func Multi(sources ...Discovery) Discovery {
    var m multi
    for _, s := range sources {
        if s != nil { m = append(m, s) }
    }
    return m
}

func (m multi) Seeds() []string {
    var all []string
    for _, s := range m { all = append(all, s.Seeds()...) }
    return normalize(all, true)
}

// normalize trims entries and drops empty ones; sorted also dedups and
// sorts the result.
func normalize(in []string, sorted bool) []string {
    out := make([]string, 0, len(in))
    seen := make(map[string]struct{}, len(in))
    for _, v := range in {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        if sorted {
            if _, dup := seen[v]; dup { continue }
            seen[v] = struct{}{}
        }
        out = append(out, v)
    }
    if sorted { sort.Strings(out) }
    return out
}
