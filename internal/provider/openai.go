package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// OpenAIClient streams from any OpenAI-compatible chat completions endpoint.
// Grounding and code execution tools are not available through this adapter.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client. An empty baseURL keeps the library default.
func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// StreamGenerate implements Client.
func (o *OpenAIClient) StreamGenerate(ctx context.Context, req GenerateRequest) (<-chan Event, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, buildOpenAIRequest(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, openAIError(err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			if errClose := stream.Close(); errClose != nil {
				log.Debugf("openai: close stream error: %v", errClose)
			}
		}()
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage *Usage
		for {
			resp, errRecv := stream.Recv()
			if errors.Is(errRecv, io.EOF) {
				send(Terminal{Usage: usage})
				return
			}
			if errRecv != nil {
				if ctx.Err() != nil {
					return
				}
				send(Terminal{Err: openAIError(errRecv)})
				return
			}
			if resp.Usage != nil {
				usage = &Usage{
					PromptTokens:    resp.Usage.PromptTokens,
					OutputTokens:    resp.Usage.CompletionTokens,
					TotalTokenCount: resp.Usage.TotalTokens,
				}
				if d := resp.Usage.CompletionTokensDetails; d != nil {
					usage.ThoughtsTokens = d.ReasoningTokens
				}
				if d := resp.Usage.PromptTokensDetails; d != nil {
					usage.CachedTokens = d.CachedTokens
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.ReasoningContent != "" {
				if !send(ReasoningChunk{Text: delta.ReasoningContent}) {
					return
				}
			}
			if delta.Content != "" {
				if !send(ContentChunk{Text: delta.Content}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func buildOpenAIRequest(req GenerateRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Contents)+1)
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, c := range req.Contents {
		role := openai.ChatMessageRoleUser
		if c.Role == RoleModel || c.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openAIMessage(role, c.Parts))
	}
	out := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		out.TopP = float32(req.TopP)
	}
	if req.MaxOutputTokens > 0 {
		out.MaxCompletionTokens = req.MaxOutputTokens
	}
	return out
}

func openAIMessage(role string, parts []Part) openai.ChatCompletionMessage {
	multimodal := false
	for _, p := range parts {
		if len(p.Data) > 0 || p.FileURI != "" {
			multimodal = true
			break
		}
	}
	if !multimodal {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		return openai.ChatCompletionMessage{Role: role, Content: strings.Join(texts, "\n")}
	}
	msg := openai.ChatCompletionMessage{Role: role}
	for _, p := range parts {
		switch {
		case len(p.Data) > 0 && strings.HasPrefix(p.MimeType, "image/"):
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + p.MimeType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)},
			})
		case p.FileURI != "" && strings.HasPrefix(p.MimeType, "image/"):
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.FileURI},
			})
		case p.Text != "":
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		default:
			log.Debugf("openai: dropping unsupported %s attachment", p.MimeType)
		}
	}
	return msg
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		return &Error{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return &Error{Message: err.Error()}
}
