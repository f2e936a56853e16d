// internal/integrations/types.go
package integrations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// RunEvent is sent to every configured notifier when a run ends.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"` // completed | failed
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Failed     int       `json:"failed"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev RunEvent) error // must not block past ctx
}

type Factory func(log zerolog.Logger, raw json.RawMessage) (Notifier, error)
