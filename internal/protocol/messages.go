package protocol

import "time"

// RenderRequest asks a daemon to render a score it can read from disk.
type RenderRequest struct {
	RenderID  string `json:"render_id,omitempty"`
	ScorePath string `json:"score_path"`
}

// RenderDone reports the outcome of a render. Error is empty on success.
type RenderDone struct {
	RenderID   string    `json:"render_id"`
	ScorePath  string    `json:"score_path"`
	OutputPath string    `json:"output_path,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	Words      int       `json:"words"`
	DurationMS int64     `json:"duration_ms"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectRenderRequest = "florence.render.request"
	SubjectRenderDone    = "florence.render.done"
)
