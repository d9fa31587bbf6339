package routing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/api200/gateway/internal/apierr"
)

var placeholderRE = regexp.MustCompile(`\{([^{}/]+)\}`)

// CompilePattern derives the anchored matcher for a logical path such as
// /invoices/{id}: every placeholder becomes one capture group.
func CompilePattern(logicalPath string) string {
	logicalPath = normalizePath(logicalPath)

	var b strings.Builder
	b.WriteByte('^')
	last := 0
	for _, loc := range placeholderRE.FindAllStringIndex(logicalPath, -1) {
		b.WriteString(regexp.QuoteMeta(logicalPath[last:loc[0]]))
		b.WriteString(`([^/]+)`)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(logicalPath[last:]))
	b.WriteByte('$')
	return b.String()
}

// Placeholders lists the {name} placeholders of a template in declaration order.
func Placeholders(template string) []string {
	matches := placeholderRE.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Substitute matches path against pattern and fills the template's
// placeholders with the capture groups, in order. A path that does not match,
// or that captures fewer values than the template needs, is a
// PathParameterMismatch error.
func Substitute(pattern *regexp.Regexp, template, path string) (string, error) {
	path = normalizePath(path)

	groups := pattern.FindStringSubmatch(path)
	if groups == nil {
		return "", apierr.PathParameterMismatch(path, pattern.String())
	}
	values := groups[1:]

	names := Placeholders(template)
	if len(values) < len(names) {
		return "", apierr.PathParameterMismatch(path, pattern.String())
	}

	i := 0
	return placeholderRE.ReplaceAllStringFunc(template, func(string) string {
		v := url.PathEscape(values[i])
		i++
		return v
	}), nil
}

// JoinURL resolves a template without a scheme against the service base URL.
func JoinURL(baseURL, template string) string {
	if strings.Contains(template, "://") || baseURL == "" {
		return template
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(template, "/")
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// patternCache holds compiled endpoint matchers keyed by expression.
type patternCache struct {
	m sync.Map
}

func (c *patternCache) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := c.m.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %q: %w", expr, err)
	}
	c.m.Store(expr, re)
	return re, nil
}
