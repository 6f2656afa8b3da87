package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// SimPage is one scripted page in a SimSession.
type SimPage struct {
	URL        string
	Status     int
	LoadTimeMS int
	Elements   []model.KeyElement
	// Data maps an extraction selector to the items it yields. The ""
	// key is the fallback when the tool passes no selector.
	Data map[string][]string
	// Attributes maps xpath -> attribute -> value.
	Attributes map[string]map[string]string
	Links      []Link
	// Nav maps a click selector to the URL the click lands on.
	Nav map[string]string
}

// SimSession is a deterministic in-memory Session. Tests and the default
// factory script it with pages, per-operation failures, and delays; every
// method honors context deadlines so timeout paths are exercisable.
type SimSession struct {
	mu       sync.Mutex
	pages    map[string]*SimPage
	current  string
	health   string
	cdpURL   string
	png      []byte
	closed   bool
	failures map[string][]*OpError
	delays   map[string]time.Duration

	// Typed and Clicked record inputs for test assertions.
	Typed   []string
	Clicked []string
}

// tinyPNG is a valid 1x1 transparent PNG.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func NewSim(pages ...*SimPage) *SimSession {
	s := &SimSession{
		pages:    map[string]*SimPage{},
		health:   HealthHealthy,
		cdpURL:   "ws://127.0.0.1:9222/devtools/sim",
		png:      tinyPNG,
		failures: map[string][]*OpError{},
		delays:   map[string]time.Duration{},
	}
	for _, p := range pages {
		s.AddPage(p)
	}
	return s
}

// DefaultSim returns a sim with a small scripted site, enough for smoke
// runs of the one-shot CLI without a real driver.
func DefaultSim() *SimSession {
	return NewSim(
		&SimPage{
			URL:        "https://example.com",
			Status:     200,
			LoadTimeMS: 120,
			Elements: []model.KeyElement{
				{ElementID: "more", TagName: "a", XPath: "//a[@id='more']",
					InnerText: "More information...", IsVisible: true, IsClickable: true,
					BBox: model.BoundingBox{XMin: 10, YMin: 20, XMax: 180, YMax: 40}},
			},
			Data:  map[string][]string{"": {"Example Domain"}},
			Links: []Link{{Text: "More information...", Href: "https://www.iana.org/domains/example"}},
		},
	)
}

// SimFactory ignores the headless flag and returns a fresh DefaultSim.
func SimFactory() Factory {
	return func(bool) (Session, error) { return DefaultSim(), nil }
}

func (s *SimSession) AddPage(p *SimPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p.URL] = p
}

// FailNext queues a scripted failure for the named operation; each call to
// that operation pops one entry before succeeding.
func (s *SimSession) FailNext(op, code, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], &OpError{Code: code, Msg: msg})
}

// Delay makes every call to op sleep for d (interruptible by ctx), which
// simulates a hanging tool.
func (s *SimSession) Delay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

func (s *SimSession) SetHealth(h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// begin applies the scripted delay and failure for op.
func (s *SimSession) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &OpError{Code: model.ErrCodeNet, Msg: "session closed"}
	}
	d := s.delays[op]
	var scripted *OpError
	if q := s.failures[op]; len(q) > 0 {
		scripted = q[0]
		s.failures[op] = q[1:]
	}
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if scripted != nil {
		return scripted
	}
	return nil
}

func (s *SimSession) page() *SimPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current]
}

func (s *SimSession) NavigateTo(ctx context.Context, url string) error {
	if err := s.begin(ctx, "navigate_to"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[url]; !ok {
		return &OpError{Code: model.ErrCodeNet, Msg: fmt.Sprintf("unreachable: %s", url)}
	}
	s.current = url
	return nil
}

func (s *SimSession) Click(ctx context.Context, xpath string) error {
	if err := s.begin(ctx, "click_element"); err != nil {
		return err
	}
	p := s.page()
	if p == nil {
		return &OpError{Code: model.ErrCodeStaleDOM, Msg: "no page loaded"}
	}
	s.mu.Lock()
	s.Clicked = append(s.Clicked, xpath)
	if target, ok := p.Nav[xpath]; ok {
		if _, known := s.pages[target]; known {
			s.current = target
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *SimSession) ClickNth(ctx context.Context, selector string, index int) error {
	if err := s.begin(ctx, "click_nth"); err != nil {
		return err
	}
	if index < 0 {
		return &OpError{Code: model.ErrCodeBadArg, Msg: "index must be >= 0"}
	}
	return s.Click(ctx, fmt.Sprintf("%s[%d]", selector, index))
}

func (s *SimSession) TypeText(ctx context.Context, xpath, text string, pressEnter bool) error {
	if err := s.begin(ctx, "type_text"); err != nil {
		return err
	}
	if s.page() == nil {
		return &OpError{Code: model.ErrCodeStaleDOM, Msg: "no page loaded"}
	}
	s.mu.Lock()
	s.Typed = append(s.Typed, fmt.Sprintf("%s=%s enter=%v", xpath, text, pressEnter))
	s.mu.Unlock()
	return nil
}

func (s *SimSession) Scroll(ctx context.Context, direction string, amount int) error {
	if err := s.begin(ctx, "scroll"); err != nil {
		return err
	}
	switch direction {
	case "up", "down", "top", "bottom":
		return nil
	default:
		return &OpError{Code: model.ErrCodeBadArg, Msg: fmt.Sprintf("invalid direction %q", direction)}
	}
}

func (s *SimSession) WaitFor(ctx context.Context, condition string) error {
	return s.begin(ctx, "wait_for")
}

func (s *SimSession) ExtractData(ctx context.Context, selector, attribute string, limit int) ([]string, error) {
	if err := s.begin(ctx, "extract_data"); err != nil {
		return nil, err
	}
	p := s.page()
	if p == nil {
		return nil, &OpError{Code: model.ErrCodeStaleDOM, Msg: "no page loaded"}
	}
	items, ok := p.Data[selector]
	if !ok {
		items = p.Data[""]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]string(nil), items...), nil
}

func (s *SimSession) ElementAttribute(ctx context.Context, xpath, attribute string) (string, error) {
	if err := s.begin(ctx, "get_element_attribute"); err != nil {
		return "", err
	}
	p := s.page()
	if p == nil {
		return "", &OpError{Code: model.ErrCodeStaleDOM, Msg: "no page loaded"}
	}
	if attrs, ok := p.Attributes[xpath]; ok {
		if v, ok := attrs[attribute]; ok {
			return v, nil
		}
	}
	return "", &OpError{Code: model.ErrCodeStaleDOM, Msg: fmt.Sprintf("attribute %q not found at %s", attribute, xpath)}
}

func (s *SimSession) FindLinksByText(ctx context.Context, keyword string, limit int) ([]Link, error) {
	if err := s.begin(ctx, "find_link_by_text"); err != nil {
		return nil, err
	}
	p := s.page()
	if p == nil {
		return nil, &OpError{Code: model.ErrCodeStaleDOM, Msg: "no page loaded"}
	}
	kw := strings.ToLower(keyword)
	var out []Link
	for _, l := range p.Links {
		if strings.Contains(strings.ToLower(l.Text), kw) {
			out = append(out, l)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *SimSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := s.begin(ctx, "take_screenshot"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.png...), nil
}

func (s *SimSession) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *SimSession) LastHTTPStatus() int {
	if p := s.page(); p != nil {
		return p.Status
	}
	return 0
}

func (s *SimSession) LastLoadTimeMS() int {
	if p := s.page(); p != nil {
		return p.LoadTimeMS
	}
	return 0
}

func (s *SimSession) KeyElements() []model.KeyElement {
	if p := s.page(); p != nil {
		return append([]model.KeyElement(nil), p.Elements...)
	}
	return nil
}

func (s *SimSession) HealthStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *SimSession) CDPURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	return s.cdpURL
}

func (s *SimSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
