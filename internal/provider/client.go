// Package provider adapts generative-model HTTP APIs to a single streaming contract.
// Wire formats are decoded here, at the boundary, into the closed Event variant.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Roles used in Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one piece of a content turn: text, inline bytes, or an uploaded file.
type Part struct {
	Text     string
	MimeType string
	Data     []byte
	FileURI  string
}

// Content is one conversation turn as sent to a provider.
type Content struct {
	Role  string
	Parts []Part
}

// Tools toggles provider-side tools.
type Tools struct {
	WebGrounding  bool
	CodeExecution bool
}

// GenerateRequest is everything needed for one streamed generation.
type GenerateRequest struct {
	Model             string
	Contents          []Content
	SystemInstruction string
	Temperature       float64
	TopP              float64
	MaxOutputTokens   int
	Tools             Tools
	// ReasoningBudget is the thinking token budget; 0 leaves the provider default,
	// -1 asks for a dynamic budget.
	ReasoningBudget int
	IncludeThoughts bool
}

// Client streams a generation. The returned channel yields events in provider
// order and, unless ctx is cancelled first, ends with exactly one Terminal before
// it is closed. Cancelling ctx aborts the underlying HTTP call.
type Client interface {
	StreamGenerate(ctx context.Context, req GenerateRequest) (<-chan Event, error)
}

// Error is a provider-side failure, typically transient.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return "provider error: " + e.Message
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// UserMessage is the text shown to the end user for err.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return "The AI service is busy right now. Please try again in a moment."
		case pe.StatusCode >= 500 || pe.StatusCode == 0:
			return "The AI service is temporarily unavailable. Please try again."
		}
	}
	return "An error occurred while generating the response."
}

// Generate drains a stream into a single string. Reasoning is discarded.
func Generate(ctx context.Context, c Client, req GenerateRequest) (string, error) {
	events, err := c.StreamGenerate(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sb.String(), nil
			}
			switch e := ev.(type) {
			case ContentChunk:
				sb.WriteString(e.Text)
			case Terminal:
				return sb.String(), e.Err
			}
		}
	}
}

// TextGenerator adapts a Client to one-shot prompt completion, as used for
// history summaries.
type TextGenerator struct {
	Client      Client
	Temperature float64
	MaxTokens   int
}

// Generate implements contextwindow.Generator.
func (g TextGenerator) Generate(ctx context.Context, model, prompt string) (string, error) {
	maxTokens := g.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return Generate(ctx, g.Client, GenerateRequest{
		Model:           model,
		Contents:        []Content{{Role: RoleUser, Parts: []Part{{Text: prompt}}}},
		Temperature:     g.Temperature,
		MaxOutputTokens: maxTokens,
	})
}
