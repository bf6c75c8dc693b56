package jobs

import "fmt"

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
	KindText  Kind = "text"
)

var Kinds = []Kind{KindImage, KindVideo, KindVoice, KindText}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", invalid("type", "unknown kind %q", s)
}

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status admits no further transition.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Intent is a caller's request to generate one piece of content.
type Intent struct {
	TenantID       string
	UserID         string
	Kind           Kind
	Prompt         string
	NegativePrompt string
	Model          string
	Parameters     map[string]any
}

// Page selects a window of a listing.
type Page struct {
	Skip  int
	Limit int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func (p Page) normalize() (Page, error) {
	if p.Skip < 0 {
		return p, invalid("skip", "must be >= 0")
	}
	if p.Limit < 0 {
		return p, invalid("limit", "must be >= 0")
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p, nil
}

func transitionError(id, from, to string) error {
	return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidTransition, id, from, to)
}
