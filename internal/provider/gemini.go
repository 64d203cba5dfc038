package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultGeminiBaseURL is the public Generative Language API endpoint.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

const streamScannerBuffer = 20 * 1024 * 1024

// GeminiClient talks to the Gemini REST API using server-sent events.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGeminiClient builds a client. An empty baseURL selects DefaultGeminiBaseURL.
func NewGeminiClient(baseURL, apiKey string, httpClient *http.Client) *GeminiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GeminiClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

// StreamGenerate implements Client.
func (g *GeminiClient) StreamGenerate(ctx context.Context, req GenerateRequest) (<-chan Event, error) {
	body, err := buildGeminiRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, url.PathEscape(strings.TrimPrefix(req.Model, "models/")))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Message: err.Error()}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("gemini: close response body error: %v", errClose)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: geminiErrorMessage(data)}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			if errClose := resp.Body.Close(); errClose != nil {
				log.Errorf("gemini: close response body error: %v", errClose)
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
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, streamScannerBuffer)
		for scanner.Scan() {
			payload := jsonPayload(scanner.Bytes())
			if payload == nil {
				continue
			}
			if msg := gjson.GetBytes(payload, "error.message"); msg.Exists() {
				send(Terminal{Err: &Error{StatusCode: int(gjson.GetBytes(payload, "error.code").Int()), Message: msg.String()}})
				return
			}
			for _, ev := range decodeGeminiChunk(payload) {
				if !send(ev) {
					return
				}
			}
			if u := decodeGeminiUsage(payload); u != nil {
				usage = u
			}
		}
		if errScan := scanner.Err(); errScan != nil {
			if ctx.Err() != nil {
				return
			}
			send(Terminal{Err: &Error{Message: errScan.Error()}})
			return
		}
		send(Terminal{Usage: usage})
	}()
	return out, nil
}

// jsonPayload extracts the JSON body of an SSE "data:" line.
func jsonPayload(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil
	}
	line = bytes.TrimSpace(line[len("data:"):])
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) || line[0] != '{' {
		return nil
	}
	return line
}

func buildGeminiRequest(req GenerateRequest) ([]byte, error) {
	body := []byte(`{"contents":[]}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	setRaw := func(path, raw string) {
		if err == nil {
			body, err = sjson.SetRawBytes(body, path, []byte(raw))
		}
	}

	for i, c := range req.Contents {
		role := RoleUser
		if c.Role == RoleModel || c.Role == "assistant" {
			role = RoleModel
		}
		set(fmt.Sprintf("contents.%d.role", i), role)
		for j, p := range c.Parts {
			prefix := fmt.Sprintf("contents.%d.parts.%d", i, j)
			switch {
			case len(p.Data) > 0:
				set(prefix+".inlineData.mimeType", p.MimeType)
				set(prefix+".inlineData.data", base64.StdEncoding.EncodeToString(p.Data))
			case p.FileURI != "":
				set(prefix+".fileData.mimeType", p.MimeType)
				set(prefix+".fileData.fileUri", p.FileURI)
			default:
				set(prefix+".text", p.Text)
			}
		}
	}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		set("systemInstruction.parts.0.text", s)
	}
	if req.Temperature > 0 {
		set("generationConfig.temperature", req.Temperature)
	}
	if req.TopP > 0 {
		set("generationConfig.topP", req.TopP)
	}
	if req.MaxOutputTokens > 0 {
		set("generationConfig.maxOutputTokens", req.MaxOutputTokens)
	}
	if req.ReasoningBudget != 0 {
		set("generationConfig.thinkingConfig.thinkingBudget", req.ReasoningBudget)
	}
	if req.IncludeThoughts {
		set("generationConfig.thinkingConfig.includeThoughts", true)
	}
	tool := 0
	if req.Tools.WebGrounding {
		setRaw(fmt.Sprintf("tools.%d.googleSearch", tool), `{}`)
		tool++
	}
	if req.Tools.CodeExecution {
		setRaw(fmt.Sprintf("tools.%d.codeExecution", tool), `{}`)
	}
	return body, err
}

// decodeGeminiChunk turns one streamed GenerateContentResponse into events.
func decodeGeminiChunk(payload []byte) []Event {
	var events []Event
	candidate := gjson.GetBytes(payload, "candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			text := part.Get("text").String()
			if text == "" {
				break
			}
			if part.Get("thought").Bool() {
				events = append(events, ReasoningChunk{Text: text})
			} else {
				events = append(events, ContentChunk{Text: text})
			}
		case part.Get("executableCode").Exists():
			lang := strings.ToLower(part.Get("executableCode.language").String())
			if lang == "" || lang == "language_unspecified" {
				lang = "python"
			}
			events = append(events, ContentChunk{Text: fmt.Sprintf("\n```%s\n%s\n```\n", lang, part.Get("executableCode.code").String())})
		case part.Get("codeExecutionResult").Exists():
			if output := part.Get("codeExecutionResult.output").String(); output != "" {
				events = append(events, ContentChunk{Text: fmt.Sprintf("\n```\n%s\n```\n", output)})
			}
		}
		return true
	})

	meta := candidate.Get("groundingMetadata")
	if meta.Exists() {
		var g GroundingChunk
		meta.Get("groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
			web := chunk.Get("web")
			if uri := web.Get("uri").String(); uri != "" {
				g.Citations = append(g.Citations, streaming.Citation{URL: uri, Title: web.Get("title").String()})
			}
			return true
		})
		meta.Get("webSearchQueries").ForEach(func(_, q gjson.Result) bool {
			g.SearchQueries = append(g.SearchQueries, q.String())
			return true
		})
		if len(g.Citations) > 0 || len(g.SearchQueries) > 0 {
			events = append(events, g)
		}
	}
	return events
}

func decodeGeminiUsage(payload []byte) *Usage {
	u := gjson.GetBytes(payload, "usageMetadata")
	if !u.Exists() {
		return nil
	}
	return &Usage{
		PromptTokens:    int(u.Get("promptTokenCount").Int()),
		OutputTokens:    int(u.Get("candidatesTokenCount").Int()),
		ThoughtsTokens:  int(u.Get("thoughtsTokenCount").Int()),
		CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
		TotalTokenCount: int(u.Get("totalTokenCount").Int()),
	}
}

func geminiErrorMessage(data []byte) string {
	if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
		return msg.String()
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "empty error response"
}

// FileState reports the processing state of an uploaded file, "files/<id>".
func (g *GeminiClient) FileState(ctx context.Context, fileID string) (FileInfo, error) {
	name := fileID
	if !strings.HasPrefix(name, "files/") {
		name = "files/" + name
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return FileInfo{}, err
	}
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return FileInfo{}, &Error{Message: err.Error()}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("gemini: close response body error: %v", errClose)
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return FileInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return FileInfo{}, &Error{StatusCode: resp.StatusCode, Message: geminiErrorMessage(data)}
	}
	info := FileInfo{
		ID:       fileID,
		State:    FileState(strings.ToUpper(gjson.GetBytes(data, "state").String())),
		URI:      gjson.GetBytes(data, "uri").String(),
		MimeType: gjson.GetBytes(data, "mimeType").String(),
		Name:     gjson.GetBytes(data, "displayName").String(),
	}
	if info.State == "" {
		return info, errors.New("gemini: file state missing")
	}
	return info, nil
}
