package metablock

import (
	"regexp"
	"strings"
	"sync"
)

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

// MatchURL reports whether url is covered by any @match or @include pattern.
// An empty list matches everything. "*" matches any run of characters and
// <all_urls> matches any http, https or file URL.
func MatchURL(patterns []string, url string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "<all_urls>" {
			if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "file://") {
				return true
			}
			continue
		}
		if compile(p).MatchString(url) {
			return true
		}
	}
	return false
}

func compile(pattern string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re
	}

	var b strings.Builder
	b.WriteString("^")
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	patternCache[pattern] = re
	return re
}
