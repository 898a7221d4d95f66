package vfsdispatch

import (
	"regexp"
	"strings"
	"sync"
)

// MatchPath implements fnmatch-style glob matching: "*" matches any run of
// characters including "/", "?" matches exactly one character, and "[...]"
// character classes are passed through to the underlying regexp engine.
// This differs deliberately from path.Match/filepath.Match, which treat
// "/" as a path separator "*" cannot cross.
func MatchPath(pattern, name string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var globCache sync.Map // pattern -> *regexp.Regexp

func compileGlob(pattern string) (*regexp.Regexp, error) {
	if v, ok := globCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			b.WriteString(pattern[i : i+j+1])
			i += j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	globCache.Store(pattern, re)
	return re, nil
}
