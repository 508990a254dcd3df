package routewatch

import (
	"regexp"
	"strings"
)

// translateGlob compiles a route glob into an anchored regular expression.
// `*` matches within one path segment, `**` matches across segments; every
// other character is literal. Patterns are tested against slashed
// project-relative paths.
func translateGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '*' {
			b.WriteString(regexp.QuoteMeta(string(c)))
			continue
		}
		if i+1 < len(pattern) && pattern[i+1] == '*' {
			b.WriteString(".*")
			i++
		} else {
			b.WriteString("[^/]*")
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
