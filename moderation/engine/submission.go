package engine

import (
	"io"
)

// Upload is the file part of a submission. Content is read once, when the
// orchestrator writes it to the file store.
type Upload struct {
	FileName string
	MimeType string
	Size     int64
	Content  io.Reader
}

// Submission is everything a user sent in one intake request.
type Submission struct {
	SubmitterID string
	Title       string
	Description string
	URLFields   []string
	File        *Upload
	// caller asks for human review regardless of the risk outcome
	ForceQuarantine bool
}
