package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ValidVersion reports whether v is a full MAJOR.MINOR.PATCH semantic
// version, with optional prerelease and build suffixes. A leading "v" is
// not allowed in manifests.
func ValidVersion(v string) bool {
	if v == "" || v[0] == 'v' || !semver.IsValid("v"+v) {
		return false
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	return strings.Count(core, ".") == 2
}

// CompareVersions orders two manifest versions the same way semver does.
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// Range is a parsed version range such as "^1.2.0", ">=1.0.0 <2.0.0" or
// "1.x || 2.x".
type Range struct {
	raw  string
	sets [][]comparator
}

type comparator struct {
	op      string
	version string // canonical "vX.Y.Z[-pre]"
}

func (c comparator) matches(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return cmp == 0
	}
}

// ParseRange parses a version range. The empty string, "*" and "x" match
// any version.
func ParseRange(s string) (Range, error) {
	r := Range{raw: strings.TrimSpace(s)}
	for _, alt := range strings.Split(r.raw, "||") {
		set, err := parseSet(strings.TrimSpace(alt))
		if err != nil {
			return Range{}, fmt.Errorf("invalid version range %q: %w", s, err)
		}
		r.sets = append(r.sets, set)
	}
	return r, nil
}

// Contains reports whether version satisfies the range.
func (r Range) Contains(version string) bool {
	if !ValidVersion(version) {
		return false
	}
	v := "v" + version
	for _, set := range r.sets {
		ok := true
		for _, c := range set {
			if !c.matches(v) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (r Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

func parseSet(s string) ([]comparator, error) {
	if s == "" || s == "*" || s == "x" || s == "X" {
		return nil, nil
	}
	tokens := strings.Fields(s)

	// Hyphen range: "1.2.3 - 2.0.0".
	if len(tokens) == 3 && tokens[1] == "-" {
		lo, err := parsePartial(tokens[0])
		if err != nil {
			return nil, err
		}
		hi, err := parsePartial(tokens[2])
		if err != nil {
			return nil, err
		}
		out := []comparator{{op: ">=", version: lo.floor()}}
		if hi.n < 3 {
			return append(out, comparator{op: "<", version: hi.bumpLast()}), nil
		}
		return append(out, comparator{op: "<=", version: hi.floor()}), nil
	}

	var out []comparator
	for _, tok := range tokens {
		cs, err := parseToken(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func parseToken(tok string) ([]comparator, error) {
	switch {
	case strings.HasPrefix(tok, "^"):
		p, err := parsePartial(tok[1:])
		if err != nil {
			return nil, err
		}
		return []comparator{{op: ">=", version: p.floor()}, {op: "<", version: p.caretCeil()}}, nil
	case strings.HasPrefix(tok, "~"):
		p, err := parsePartial(strings.TrimPrefix(tok[1:], ">"))
		if err != nil {
			return nil, err
		}
		return []comparator{{op: ">=", version: p.floor()}, {op: "<", version: p.tildeCeil()}}, nil
	}

	op := ""
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(tok, candidate) {
			op = candidate
			tok = tok[len(candidate):]
			break
		}
	}
	p, err := parsePartial(tok)
	if err != nil {
		return nil, err
	}

	switch op {
	case "", "=":
		if p.n == 0 {
			return nil, nil
		}
		if p.n == 3 {
			return []comparator{{op: "=", version: p.floor()}}, nil
		}
		return []comparator{{op: ">=", version: p.floor()}, {op: "<", version: p.bumpLast()}}, nil
	case ">":
		if p.n < 3 {
			return []comparator{{op: ">=", version: p.bumpLast()}}, nil
		}
		return []comparator{{op: ">", version: p.floor()}}, nil
	case "<=":
		if p.n < 3 {
			return []comparator{{op: "<", version: p.bumpLast()}}, nil
		}
		return []comparator{{op: "<=", version: p.floor()}}, nil
	default:
		return []comparator{{op: op, version: p.floor()}}, nil
	}
}

// partial is a version with possibly missing trailing parts ("1", "1.2",
// "1.x"). n counts how many leading parts were given.
type partial struct {
	parts [3]int
	n     int
	pre   string
}

func parsePartial(s string) (partial, error) {
	var p partial
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return p, fmt.Errorf("missing version")
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		p.pre = s[i+1:]
		s = s[:i]
	}

	fields := strings.Split(s, ".")
	if len(fields) > 3 {
		return p, fmt.Errorf("too many version parts in %q", s)
	}
	wild := false
	for i, f := range fields {
		if f == "x" || f == "X" || f == "*" {
			wild = true
			continue
		}
		if wild {
			return p, fmt.Errorf("number after wildcard in %q", s)
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return p, fmt.Errorf("bad version part %q", f)
		}
		p.parts[i] = n
		p.n = i + 1
	}
	if p.pre != "" {
		if p.n != 3 {
			return p, fmt.Errorf("prerelease requires a full version")
		}
		if !semver.IsValid(p.floor()) {
			return p, fmt.Errorf("bad prerelease %q", p.pre)
		}
	}
	return p, nil
}

func (p partial) floor() string {
	v := fmt.Sprintf("v%d.%d.%d", p.parts[0], p.parts[1], p.parts[2])
	if p.pre != "" {
		v += "-" + p.pre
	}
	return v
}

func (p partial) bumpLast() string {
	switch p.n {
	case 0:
		return "v999999999.0.0"
	case 1:
		return fmt.Sprintf("v%d.0.0", p.parts[0]+1)
	case 2:
		return fmt.Sprintf("v%d.%d.0", p.parts[0], p.parts[1]+1)
	default:
		return fmt.Sprintf("v%d.%d.%d", p.parts[0], p.parts[1], p.parts[2]+1)
	}
}

func (p partial) caretCeil() string {
	switch {
	case p.parts[0] > 0 || p.n < 2:
		return fmt.Sprintf("v%d.0.0", p.parts[0]+1)
	case p.parts[1] > 0 || p.n < 3:
		return fmt.Sprintf("v0.%d.0", p.parts[1]+1)
	default:
		return fmt.Sprintf("v0.0.%d", p.parts[2]+1)
	}
}

func (p partial) tildeCeil() string {
	if p.n < 2 {
		return fmt.Sprintf("v%d.0.0", p.parts[0]+1)
	}
	return fmt.Sprintf("v%d.%d.0", p.parts[0], p.parts[1]+1)
}
