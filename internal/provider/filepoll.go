package provider

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// FileState is a provider-side upload processing state.
type FileState string

// Known file states.
const (
	FileProcessing FileState = "PROCESSING"
	FileActive     FileState = "ACTIVE"
	FileFailed     FileState = "FAILED"
)

// FileInfo describes an uploaded attachment.
type FileInfo struct {
	ID       string
	Name     string
	State    FileState
	URI      string
	MimeType string
}

// FileStatusSource looks up upload state. GeminiClient implements it.
type FileStatusSource interface {
	FileState(ctx context.Context, fileID string) (FileInfo, error)
}

// FilePoller waits, with a fixed interval and attempt limit, for an upload to
// become usable.
type FilePoller struct {
	source      FileStatusSource
	interval    time.Duration
	maxAttempts int
}

// NewFilePoller builds a poller. Non-positive values mean 2s and 30 attempts.
func NewFilePoller(source FileStatusSource, interval time.Duration, maxAttempts int) *FilePoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	return &FilePoller{source: source, interval: interval, maxAttempts: maxAttempts}
}

// Await returns a file part once fileID is active. When the file failed, the
// attempts run out or ctx ends, a text part explaining the omission is returned
// instead; Await never blocks past maxAttempts intervals.
func (p *FilePoller) Await(ctx context.Context, fileID string) Part {
	name := fileID
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return unavailablePart(name, "the request was cancelled")
		case <-timer.C:
		}

		info, err := p.source.FileState(ctx, fileID)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"file_id": fileID, "attempt": attempt}).Debug("file state lookup failed")
		} else {
			if info.Name != "" {
				name = info.Name
			}
			switch info.State {
			case FileActive:
				return Part{FileURI: info.URI, MimeType: info.MimeType}
			case FileFailed:
				log.WithField("file_id", fileID).Warn("attachment processing failed")
				return unavailablePart(name, "processing failed")
			}
		}
		timer.Reset(p.interval)
	}

	log.WithFields(log.Fields{"file_id": fileID, "attempts": p.maxAttempts}).Warn("attachment still processing, continuing without it")
	return unavailablePart(name, "it is still being processed")
}

func unavailablePart(name, reason string) Part {
	return Part{Text: fmt.Sprintf("[Attachment %q could not be included: %s.]", name, reason)}
}
