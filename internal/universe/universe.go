// Package universe resolves universe specs to symbol lists.
//
// A spec is a named universe ("simple", "sp500", "nasdaq100", or any name in
// the universe file), "file:<path>" pointing at a text file with one symbol
// per line or a CSV with a symbol column, or an inline comma-separated list.
package universe

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"gopkg.in/yaml.v3"

	"patternscan/internal/errors"
)

//go:embed universes.yaml
var builtin []byte

type fileFormat struct {
	Universes map[string][]string `yaml:"universes"`
	Sectors   map[string]string   `yaml:"sectors"`
}

type symbolRow struct {
	Symbol string `csv:"symbol"`
}

// Resolver holds the named universes and the sector map.
type Resolver struct {
	named   map[string][]string
	sectors map[string]string
}

// Load reads named universes from path, layered over the built-in set. An
// empty path loads only the built-in set.
func Load(path string) (*Resolver, error) {
	r := &Resolver{named: map[string][]string{}, sectors: map[string]string{}}
	if err := r.merge(builtin); err != nil {
		return nil, fmt.Errorf("builtin universes: %w", err)
	}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	if err := r.merge(data); err != nil {
		return nil, fmt.Errorf("parse universe file %s: %w", path, err)
	}
	return r, nil
}

// Builtin returns a resolver with only the built-in universes.
func Builtin() *Resolver {
	r, err := Load("")
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Resolver) merge(data []byte) error {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for name, syms := range f.Universes {
		r.named[strings.ToLower(name)] = Normalize(syms)
	}
	for sym, sector := range f.Sectors {
		if norm := Normalize([]string{sym}); len(norm) == 1 {
			r.sectors[norm[0]] = sector
		}
	}
	return nil
}

// Names lists the named universes.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.named))
	for n := range r.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether spec resolves without reading the filesystem.
func (r *Resolver) Has(spec string) bool {
	_, ok := r.named[strings.ToLower(strings.TrimSpace(spec))]
	return ok || strings.HasPrefix(spec, "file:") || strings.Contains(spec, ",")
}

// Resolve turns spec into a normalized, de-duplicated symbol list.
func (r *Resolver) Resolve(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil, errors.Wrap(errors.ErrUnsupportedUniverse, "empty universe")
	case strings.HasPrefix(spec, "file:"):
		return LoadFile(strings.TrimPrefix(spec, "file:"))
	case strings.Contains(spec, ","):
		syms := Normalize(strings.Split(spec, ","))
		if len(syms) == 0 {
			return nil, errors.Wrapf(errors.ErrUnsupportedUniverse, "universe %q has no symbols", spec)
		}
		return syms, nil
	}

	syms, ok := r.named[strings.ToLower(spec)]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupportedUniverse, "unsupported universe %q", spec)
	}
	if len(syms) == 0 {
		return nil, errors.Wrapf(errors.ErrUnsupportedUniverse, "universe %q is empty", spec)
	}
	return append([]string(nil), syms...), nil
}

// Sector returns the sector of symbol, or "".
func (r *Resolver) Sector(symbol string) string {
	return r.sectors[strings.ToUpper(symbol)]
}

// LoadFile reads a universe file: a CSV with a symbol column (any case) or
// one symbol per line.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Cause(errors.ErrUnsupportedUniverse, err, "universe file %s", path)
	}

	var syms []string
	header, rest, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Contains(header, []byte(",")) || strings.EqualFold(strings.TrimSpace(string(header)), "symbol") {
		if !hasColumn(header, "symbol") {
			return nil, errors.Wrapf(errors.ErrMissingColumn, "universe csv %s must have a symbol column", path)
		}
		lowered := append(bytes.ToLower(header), '\n')
		var rows []symbolRow
		if err := gocsv.UnmarshalBytes(append(lowered, rest...), &rows); err != nil {
			return nil, errors.Cause(errors.ErrUnsupportedUniverse, err, "universe csv %s", path)
		}
		for _, row := range rows {
			syms = append(syms, row.Symbol)
		}
	} else {
		syms = strings.Split(string(data), "\n")
	}

	out := Normalize(syms)
	if len(out) == 0 {
		return nil, errors.Wrapf(errors.ErrUnsupportedUniverse, "universe file %s is empty", path)
	}
	return out, nil
}

func hasColumn(header []byte, name string) bool {
	for _, col := range strings.Split(string(header), ",") {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			return true
		}
	}
	return false
}

// Normalize upper-cases symbols, maps "." to "-", skips blanks, "#" comments
// and non-ASCII entries, and removes duplicates keeping first occurrence.
func Normalize(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, raw := range items {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || strings.HasPrefix(sym, "#") || !isASCII(sym) {
			continue
		}
		sym = strings.ReplaceAll(sym, ".", "-")
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
