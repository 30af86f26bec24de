// Package googlemaps reads shared locations from the Google Maps location
// sharing endpoint using an exported browser cookie file.
package googlemaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

const (
	DefaultBaseURL   = "https://www.google.com/maps/rpc/locationsharing/read"
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	// Every response body starts with this anti-XSSI guard.
	responsePrefix = ")]}'\n"
	pbParam        = "!1m7!8m6!1m3!1i14!2i8413!3i5385!2i6!3x4095!2m3!1f0!2f0!3f0!3m2!1i1125!2i976!4f13.1!7i20!8i0!9m2!1e1!2e1"
	maxBody        = 8 << 20
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	UserAgent  string
}

// Client implements tracking.Provider. Requests from all owners share one
// rate limiter.
type Client struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	transport http.RoundTripper
	log       logx.Logger
}

var _ tracking.Provider = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		limiter:   lim,
		transport: http.DefaultTransport,
		log:       log.With(logx.String("comp", "googlemaps")),
	}
}

// session holds the people list read while authenticating. A session lives
// for one poll tick, so every tick reads fresh data.
type session struct {
	email  string
	http   *http.Client
	people []person
}

func (s *session) Account() string { return s.email }

// Authenticate loads the cookie file and reads the shared people once. A
// rejected or malformed cookie file yields tracking.ErrAuth.
func (c *Client) Authenticate(ctx context.Context, creds tracking.Credentials) (tracking.Session, error) {
	cookies, err := ParseCookies(creds.Blob)
	if err != nil {
		return nil, err
	}
	jar, err := newJar(cookies)
	if err != nil {
		return nil, fmt.Errorf("%w: cookie jar: %v", tracking.ErrAuth, err)
	}
	s := &session{
		email: creds.Email,
		http:  &http.Client{Jar: jar, Timeout: c.timeout, Transport: c.transport},
	}
	if s.people, err = c.read(ctx, s.http); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) ListObjects(_ context.Context, sess tracking.Session) ([]tracking.ObjectInfo, error) {
	s, err := asSession(sess)
	if err != nil {
		return nil, err
	}
	out := make([]tracking.ObjectInfo, 0, len(s.people))
	for _, p := range s.people {
		out = append(out, tracking.ObjectInfo{Name: p.Nickname, FullName: p.FullName, ID: p.ID})
	}
	return out, nil
}

// FetchObject returns the reading of the person whose nickname is name.
func (c *Client) FetchObject(_ context.Context, sess tracking.Session, name string) (tracking.Reading, error) {
	s, err := asSession(sess)
	if err != nil {
		return tracking.Reading{}, err
	}
	for _, p := range s.people {
		if p.Nickname == name {
			return p.reading(), nil
		}
	}
	return tracking.Reading{}, fmt.Errorf("%w: %q is not shared with %s", tracking.ErrNotFound, name, s.email)
}

func asSession(sess tracking.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: foreign session", tracking.ErrAuth)
	}
	return s, nil
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("authuser", "2")
	q.Set("hl", "en")
	q.Set("gl", "us")
	q.Set("pb", pbParam)
	return c.baseURL + "?" + q.Encode()
}

func (c *Client) read(ctx context.Context, hc *http.Client) ([]person, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", tracking.ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", tracking.ErrNetwork, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracking.ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", tracking.ErrNetwork, err)
	}
	c.log.Debug("location sharing read",
		logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", tracking.ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", tracking.ErrNetwork, resp.StatusCode)
	}
	return parsePeople(body)
}

// parsePeople decodes the positional JSON payload. A body without the guard
// prefix is the login page, which means the cookies were rejected.
func parsePeople(body []byte) ([]person, error) {
	if !strings.HasPrefix(string(body), responsePrefix) {
		return nil, fmt.Errorf("%w: unexpected response, cookies rejected", tracking.ErrAuth)
	}
	var output []any
	if err := json.Unmarshal(body[len(responsePrefix):], &output); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", tracking.ErrNetwork, err)
	}
	raw, ok := index(output, 0).([]any)
	if !ok {
		// No one shares a location with this account.
		return nil, nil
	}
	people := make([]person, 0, len(raw))
	for _, r := range raw {
		data, ok := r.([]any)
		if !ok {
			continue
		}
		p, err := parsePerson(data)
		if err != nil {
			continue
		}
		people = append(people, p)
	}
	return people, nil
}

var errMalformed = errors.New("malformed person record")
