package biz

import "context"

// ProbeSpec describes a single element lookup against the automation surface.
type ProbeSpec struct {
	// Selector is an opaque locator understood by the surface driver.
	Selector string
	// Kind hints how the selector should be interpreted ("css", "text", ...).
	Kind string
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	// Present reports the element exists in the page at all.
	Present bool
	// Visible reports the element is actually rendered and actionable.
	// Hidden interstitial elements must never be treated as live state.
	Visible bool
	// Text is the element's text content, when the driver can extract it.
	Text string
}

// Surface is the narrow capability set the core needs from a browser or
// HTTP automation driver. The classifier and the worker depend only on
// this interface, never on a specific automation product.
type Surface interface {
	// Probe looks up one element and reports presence/visibility/text.
	Probe(ctx context.Context, spec ProbeSpec) (ProbeResult, error)

	// CurrentURL returns the URL of the page the surface is on.
	CurrentURL() string

	// Title returns the current page title, used as a cheap secondary
	// classification signal when no rule matched.
	Title(ctx context.Context) (string, error)

	// Navigate performs a named navigation action (e.g. "login",
	// "slot_list"). Action names are defined by the driver.
	Navigate(ctx context.Context, action string) error

	// Teardown releases all driver resources. It must be safe to call
	// even after a failed cycle and must not leak session state.
	Teardown(ctx context.Context) error
}

// SurfaceFactory builds one isolated Surface per worker cycle. Every cycle
// gets a fresh instance bound to the cycle's egress proxy so sessions are
// never correlated across credentials.
type SurfaceFactory interface {
	New(ctx context.Context, proxy Resource) (Surface, error)
}
