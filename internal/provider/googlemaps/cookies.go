package googlemaps

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"locatorbot/internal/tracking"
)

const httpOnlyPrefix = "#HttpOnly_"

// ParseCookies reads a Netscape cookies.txt export. Each data line has seven
// tab separated fields: domain, include-subdomains, path, secure, expiry,
// name, value.
func ParseCookies(blob string) ([]*http.Cookie, error) {
	var out []*http.Cookie
	sc := bufio.NewScanner(strings.NewReader(blob))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimRight(sc.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(raw, httpOnlyPrefix) {
			raw = strings.TrimPrefix(raw, httpOnlyPrefix)
			httpOnly = true
		}
		if strings.TrimSpace(raw) == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		f := strings.Split(raw, "\t")
		if len(f) != 7 {
			return nil, fmt.Errorf("%w: cookies line %d: want 7 fields, got %d", tracking.ErrAuth, line, len(f))
		}
		c := &http.Cookie{
			Domain:   f[0],
			Path:     f[2],
			Secure:   strings.EqualFold(f[3], "TRUE"),
			Name:     f[5],
			Value:    f[6],
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(f[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read cookies: %v", tracking.ErrAuth, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no cookies found", tracking.ErrAuth)
	}
	return out, nil
}

// newJar loads cookies into a jar keyed by public suffix.
func newJar(cookies []*http.Cookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	byURL := map[string][]*http.Cookie{}
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := "https://" + host + path
		byURL[u] = append(byURL[u], c)
	}
	for raw, list := range byURL {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		jar.SetCookies(u, list)
	}
	return jar, nil
}
