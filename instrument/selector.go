package instrument

import "strings"

// ---------------------------------------------------------------------------
// Selector: which methods receive probes
// ---------------------------------------------------------------------------

// Selector decides whether a method receives probes. Implementations must be
// pure predicates; the weaver calls them once per method.
type Selector interface {
	Matches(class, name, descriptor string, accessFlags uint16) bool
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(class, name, descriptor string, accessFlags uint16) bool

// Matches implements Selector.
func (f SelectorFunc) Matches(class, name, descriptor string, accessFlags uint16) bool {
	return f(class, name, descriptor, accessFlags)
}

// NamePattern selects methods by wildcard patterns over "class.method".
// Exclude wins over include; an empty include list means "everything not
// excluded". Patterns use '*' for any run of characters (including '/') and
// '?' for a single character.
type NamePattern struct {
	Include []string
	Exclude []string
}

// Matches implements Selector.
func (p *NamePattern) Matches(class, name, _ string, _ uint16) bool {
	target := class + "." + name
	for _, pat := range p.Exclude {
		if globMatch(pat, target) {
			return false
		}
	}
	if len(p.Include) == 0 {
		return true
	}
	for _, pat := range p.Include {
		if globMatch(pat, target) {
			return true
		}
	}
	return false
}

// globMatch matches s against a pattern of literal characters, '?' and '*'.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = strings.TrimLeft(pattern, "*")
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if s == "" || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return s == ""
}
