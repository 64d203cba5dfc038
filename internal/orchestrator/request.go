package orchestrator

import (
	"fmt"
	"strings"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/go-playground/validator/v10"
)

// Request size limits.
const (
	MaxMessagesPerRequest  = 500
	MaxMessageContentBytes = 256 * 1024
	MaxAttachments         = 10
)

// ChatMessage is one inbound history entry.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// Attachment references a file for the latest user message: either already
// uploaded to the provider (ID) or inline (Data, base64 in JSON).
type Attachment struct {
	ID       string `json:"id" validate:"required_without=Data"`
	MimeType string `json:"mime_type" validate:"required"`
	Name     string `json:"name"`
	Data     []byte `json:"data,omitempty"`
}

// Request is one chat turn.
type Request struct {
	RoomID string `json:"-" validate:"required"`
	UserID string `json:"-"`

	Messages []ChatMessage `json:"messages" validate:"required,min=1,max=500,dive"`
	Model    string        `json:"model" validate:"required"`
	Files    []Attachment  `json:"files,omitempty" validate:"max=10,dive"`

	ExtendedReasoning bool `json:"extended_reasoning"`
	WebGrounding      bool `json:"web_grounding"`
	CodeExecution     bool `json:"code_execution"`
	// ReasoningBudget is a thinking-token hint; 0 uses the model default, -1 dynamic.
	ReasoningBudget int    `json:"reasoning_budget" validate:"gte=-1"`
	ChatType        string `json:"chat_type" validate:"omitempty,max=32"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// Validate checks request shape. Model capabilities are checked separately.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.BadRequest(fmt.Sprintf("invalid field %s: failed %s", fieldPath(fe.Namespace()), fe.Tag()), err).
				WithDetail("field", fieldPath(fe.Namespace()))
		}
		return apperrors.BadRequest("invalid request", err)
	}
	return nil
}

// fieldPath turns "Request.Messages[0].Role" into "messages[0].role".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// LastUserIndex returns the index of the newest user message, or -1.
func (r *Request) LastUserIndex() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return i
		}
	}
	return -1
}
