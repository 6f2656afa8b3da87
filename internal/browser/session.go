// Package browser defines the session contract the tool layer drives and a
// deterministic in-memory implementation of it. Real drivers live outside
// this repository; everything in the core talks to the Session interface.
package browser

import (
	"context"
	"fmt"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// Link is one anchor found by a text search.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Health tags for WebObservation.browser_health_status.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCrashed  = "crashed"
)

// Session is the browser automation surface the dispatcher's tools consume.
// Implementations own one browser context; all methods honor ctx deadlines
// and return *OpError for operation failures so the dispatcher can classify
// them as transient or permanent.
type Session interface {
	NavigateTo(ctx context.Context, url string) error
	Click(ctx context.Context, xpath string) error
	ClickNth(ctx context.Context, selector string, index int) error
	TypeText(ctx context.Context, xpath, text string, pressEnter bool) error
	Scroll(ctx context.Context, direction string, amount int) error
	WaitFor(ctx context.Context, condition string) error
	ExtractData(ctx context.Context, selector, attribute string, limit int) ([]string, error)
	ElementAttribute(ctx context.Context, xpath, attribute string) (string, error)
	FindLinksByText(ctx context.Context, keyword string, limit int) ([]Link, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Observation inputs: current page state as last seen by the session.
	CurrentURL() string
	LastHTTPStatus() int
	LastLoadTimeMS() int
	KeyElements() []model.KeyElement
	HealthStatus() string

	// CDPURL returns the DevTools endpoint for live-view embedding, or ""
	// when the driver exposes none.
	CDPURL() string

	Close() error
}

// OpError is a classified session failure. Code is one of the dispatch
// feedback codes (E_NET, E_STALE_DOM, E_TIMEOUT, E_BAD_ARG, ...).
type OpError struct {
	Code string
	Msg  string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Transient reports whether the failure is worth retrying.
func (e *OpError) Transient() bool {
	return model.IsTransientCode(e.Code)
}

// Factory builds a fresh session per task.
type Factory func(headless bool) (Session, error)
