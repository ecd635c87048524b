package manager

import "strings"

// nameformat.go implements the "%n.rtc" style naming.formats string:
// each "%x" is a field substitution, and a bare "%" with no recognized
// field letter starts a new naming-context level: it behaves as the
// path separator the rest of the format string is split on.

// fieldValues supplies the substitution values for one component's
// name-path computation.
type fieldValues struct {
	InstanceName string // %n
	TypeName     string // %t
	Version      string // %v
	Vendor       string // %V
	Category     string // %c
	Host         string // %h
	ManagerName  string // %M
	PID          string // %p
}

// expandNameFormat renders format into a slash-separated naming
// path: a literal "%" with no following recognized letter splits the
// path into a new context level. The remainder of each segment
// (outside "%x" substitutions) is copied through literally.
func expandNameFormat(format string, v fieldValues) string {
	var segments []string
	var cur strings.Builder

	runes := []rune(format)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '%' {
			cur.WriteRune(r)
			continue
		}
		if i+1 >= len(runes) {
			// Trailing bare '%': starts a new (empty) context level.
			segments = append(segments, cur.String())
			cur.Reset()
			continue
		}
		next := runes[i+1]
		if sub, ok := substitution(next, v); ok {
			cur.WriteString(sub)
			i++
			continue
		}
		// Bare '%' (not followed by a recognized field letter): new context level.
		segments = append(segments, cur.String())
		cur.Reset()
	}
	segments = append(segments, cur.String())

	// Within each segment, '/' further subdivides into context levels
	// (e.g. the literal "/" in "%h.host_cxt/%n.rtc").
	var path []string
	for _, seg := range segments {
		for _, part := range strings.Split(seg, "/") {
			path = append(path, part)
		}
	}
	return strings.Join(path, "/")
}

func substitution(letter rune, v fieldValues) (string, bool) {
	switch letter {
	case 'n':
		return v.InstanceName, true
	case 't':
		return v.TypeName, true
	case 'v':
		return v.Version, true
	case 'V':
		return v.Vendor, true
	case 'c':
		return v.Category, true
	case 'h':
		return v.Host, true
	case 'M':
		return v.ManagerName, true
	case 'p':
		return v.PID, true
	default:
		return "", false
	}
}
