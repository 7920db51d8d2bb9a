package data

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"SlotLane/internal/biz"
	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/net/html"
)

// navigationPaths maps the core's named navigation actions to portal paths.
var navigationPaths = map[string]string{
	"home":      "/",
	"login":     "/login",
	"dashboard": "/dashboard",
	"slot_list": "/appointments/slots",
}

// HTTPSurfaceFactory builds one HTTP-backed Surface per worker cycle. Each
// surface gets its own cookie jar and its own transport bound to the
// cycle's egress proxy, so sessions are never correlated across
// credentials. A browser-backed driver can replace this factory without
// touching the core: only biz.SurfaceFactory is wired.
type HTTPSurfaceFactory struct {
	baseURL *url.URL
	timeout time.Duration
	logger  log.Logger
}

// NewHTTPSurfaceFactory validates the portal configuration and creates the
// factory. A missing portal URL is a wiring error and fails fast.
func NewHTTPSurfaceFactory(cfg *conf.Portal, logger log.Logger) (*HTTPSurfaceFactory, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal base URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSurfaceFactory{
		baseURL: base,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// New implements biz.SurfaceFactory.
func (f *HTTPSurfaceFactory) New(_ context.Context, proxy biz.Resource) (biz.Surface, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	if proxyURL := proxy.Attrs["url"]; proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL for %s: %w", proxy.ID, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &httpSurface{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   f.timeout,
		},
		baseURL: f.baseURL,
		url:     f.baseURL.String(),
		logger:  log.NewHelper(log.With(f.logger, "proxy", proxy.ID)),
	}, nil
}

// httpSurface drives the portal over plain HTTP and answers probes against
// the parsed response document.
type httpSurface struct {
	client  *http.Client
	baseURL *url.URL
	logger  *log.Helper

	mu   sync.Mutex
	url  string
	doc  *html.Node
	body string
}

// Navigate implements biz.Surface.
func (s *httpSurface) Navigate(ctx context.Context, action string) error {
	path, ok := navigationPaths[action]
	if !ok {
		return fmt.Errorf("unknown navigation action %q", action)
	}
	target := s.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}
	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse %s response: %w", action, err)
	}

	s.mu.Lock()
	s.url = resp.Request.URL.String()
	s.doc = doc
	s.body = string(raw)
	s.mu.Unlock()

	s.logger.Debugw("msg", "navigated", "action", action, "status", resp.StatusCode)
	return nil
}

// Probe implements biz.Surface. CSS-kind selectors support the small
// subset the classifier rules use: tag, #id, .class, [attr=value], and a
// single descendant combinator. Text-kind selectors match the document
// text.
func (s *httpSurface) Probe(_ context.Context, spec biz.ProbeSpec) (biz.ProbeResult, error) {
	s.mu.Lock()
	doc, body := s.doc, s.body
	s.mu.Unlock()
	if doc == nil {
		return biz.ProbeResult{}, fmt.Errorf("no document loaded, navigate first")
	}

	if spec.Kind == "text" {
		found := strings.Contains(body, spec.Selector)
		return biz.ProbeResult{Present: found, Visible: found}, nil
	}

	node := findBySelector(doc, spec.Selector)
	if node == nil {
		return biz.ProbeResult{}, nil
	}
	return biz.ProbeResult{
		Present: true,
		Visible: nodeVisible(node),
		Text:    strings.TrimSpace(nodeText(node)),
	}, nil
}

// CurrentURL implements biz.Surface.
func (s *httpSurface) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Title implements biz.Surface.
func (s *httpSurface) Title(context.Context) (string, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc == nil {
		return "", nil
	}
	title := findBySelector(doc, "title")
	if title == nil {
		return "", nil
	}
	return strings.TrimSpace(nodeText(title)), nil
}

// Teardown implements biz.Surface. Dropping the jar and closing idle
// connections leaves nothing for the next cycle to inherit.
func (s *httpSurface) Teardown(context.Context) error {
	s.mu.Lock()
	s.doc = nil
	s.body = ""
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

// simpleSelector is one compiled segment of a selector: tag, id, classes
// and attribute requirements that must all hold on a single node.
type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   map[string]string
}

// parseSelector compiles a selector string into descendant segments.
func parseSelector(selector string) []simpleSelector {
	var segments []simpleSelector
	for _, part := range strings.Fields(selector) {
		seg := simpleSelector{attrs: map[string]string{}}
		rest := part
		for rest != "" {
			switch rest[0] {
			case '#':
				rest = rest[1:]
				end := segmentEnd(rest)
				seg.id = rest[:end]
				rest = rest[end:]
			case '.':
				rest = rest[1:]
				end := segmentEnd(rest)
				seg.classes = append(seg.classes, rest[:end])
				rest = rest[end:]
			case '[':
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					rest = ""
					break
				}
				if k, v, ok := strings.Cut(rest[1:end], "="); ok {
					seg.attrs[k] = strings.Trim(v, `"'`)
				} else {
					seg.attrs[rest[1:end]] = ""
				}
				rest = rest[end+1:]
			default:
				end := segmentEnd(rest)
				seg.tag = rest[:end]
				rest = rest[end:]
			}
		}
		segments = append(segments, seg)
	}
	return segments
}

// segmentEnd returns the index where the current name token ends.
func segmentEnd(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '#' || s[i] == '.' || s[i] == '[' {
			return i
		}
	}
	return len(s)
}

// matches reports whether a single node satisfies one segment.
func (seg simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if seg.tag != "" && n.Data != seg.tag {
		return false
	}
	if seg.id != "" && attrValue(n, "id") != seg.id {
		return false
	}
	if len(seg.classes) > 0 {
		have := strings.Fields(attrValue(n, "class"))
		for _, want := range seg.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for k, want := range seg.attrs {
		got, ok := lookupAttr(n, k)
		if !ok {
			return false
		}
		if want != "" && got != want {
			return false
		}
	}
	return true
}

// findBySelector returns the first node matching the selector, in document
// order.
func findBySelector(doc *html.Node, selector string) *html.Node {
	segments := parseSelector(selector)
	if len(segments) == 0 {
		return nil
	}
	return findDescendant(doc, segments)
}

func findDescendant(n *html.Node, segments []simpleSelector) *html.Node {
	if segments[0].matches(n) {
		if len(segments) == 1 {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := findDescendant(c, segments[1:]); found != nil {
				return found
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findDescendant(c, segments); found != nil {
			return found
		}
	}
	return nil
}

// nodeVisible applies the server-rendered visibility heuristics: hidden
// attribute, inline display:none/visibility:hidden, or a hidden class.
// Scripted visibility cannot be observed without a browser driver.
func nodeVisible(n *html.Node) bool {
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if _, ok := lookupAttr(cur, "hidden"); ok {
			return false
		}
		style := strings.ReplaceAll(attrValue(cur, "style"), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
		for _, c := range strings.Fields(attrValue(cur, "class")) {
			if c == "hidden" || c == "d-none" {
				return false
			}
		}
	}
	return true
}

// nodeText concatenates the text content under a node.
func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func attrValue(n *html.Node, name string) string {
	v, _ := lookupAttr(n, name)
	return v
}

func lookupAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}
