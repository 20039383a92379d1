// Package domain defines the scan scheduler's collaborator ports: the
// host editing environment, the role-occurrence index and the stable
// document identity resolver
package domain

// Range is a half-open rune range in document coordinates
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Intersects reports whether two half-open ranges overlap
func (r Range) Intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Diagnostic is one rendered typo marker handed to the host
type Diagnostic struct {
	Range      Range    `json:"range"`
	Message    string   `json:"message"`
	Wrong      string   `json:"wrong"`
	Correct    string   `json:"correct"`
	Candidates []string `json:"candidates,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

// DocSnapshot is the host's current view of one document
type DocSnapshot struct {
	Key     string
	Text    string
	Version int
	Open    bool
}

// HostPort is the text-editing environment boundary. It supplies
// document snapshots and lifecycle facts and consumes diagnostics plus
// a busy indicator
type HostPort interface {
	Snapshot(docKey string) (DocSnapshot, bool)
	IsOpen(docKey string) bool
	OpenDocs() []string
	VisibleDocs() []string
	PublishDiagnostics(docKey string, version int, diags []Diagnostic)
	SetBusy(busy bool)
}

// KindSensitiveWord marks role occurrences that are never allowed to
// suppress a typo diagnostic
const KindSensitiveWord = "sensitive-word"

// SuppressedRange is a span claimed by the role-occurrence index
type SuppressedRange struct {
	Kind  string `json:"kind"`
	Range Range  `json:"range"`
}

// RoleIndexPort exposes role occurrences: suppressed spans for the
// applier and known proper nouns for the detector
type RoleIndexPort interface {
	SuppressedRanges(docKey string) []SuppressedRange
	KnownRoles(docKey string) []string
}

// IdentityPort resolves a document key to a stable external identifier.
// Only the persistence adapter consumes it
type IdentityPort interface {
	ResolveStableID(docKey string) (string, bool)
}
