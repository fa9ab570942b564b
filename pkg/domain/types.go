package domain

import "time"

// User is an account that owns collections. WeChatID is an optional external
// identity binding; empty means unbound.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	WeChatID     string    `json:"wechat_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Collection is a stored, AI-annotated text snippet. Records are immutable
// after ingest except for deletion.
type Collection struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	OriginalText string    `json:"original_text,omitempty"`
	Keywords     []string  `json:"keywords"`
	Category     string    `json:"category,omitempty"`
	SourceApp    string    `json:"source_app,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Analysis holds the four fields the enrichment model must return.
type Analysis struct {
	Keywords   []string `json:"keywords"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
}

// EnrichmentOutcome reports what annotation to store for an ingested snippet.
// Degraded marks the enrichment service's own fallback result; callers store
// it as authoritative either way. Reason carries the diagnostic string.
type EnrichmentOutcome struct {
	Analysis Analysis
	Degraded bool
	Reason   string
}
