package generate

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/contentforge/relay/internal/ai"
)

// Request is the decoded generation payload. Topic, platform and tone are
// required; platform and tone values are treated opaquely. Messages is
// optional conversation history (oldest to newest) and Stream selects the
// token-stream response.
type Request struct {
	Topic    string       `json:"topic" validate:"required"`
	Platform string       `json:"platform" validate:"required"`
	Tone     string       `json:"tone" validate:"required"`
	Messages []ai.Message `json:"messages"`
	Stream   bool         `json:"stream"`
}

// ValidationError reports which fields made the payload unusable.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "Missing required fields"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRequest checks that every required field is present and non-empty.
// Whitespace-only values count as missing.
func ValidateRequest(req Request) error {
	trimmed := req
	trimmed.Topic = strings.TrimSpace(req.Topic)
	trimmed.Platform = strings.TrimSpace(req.Platform)
	trimmed.Tone = strings.TrimSpace(req.Tone)

	err := validate.Struct(trimmed)
	if err == nil {
		return validateRoles(req.Messages)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return &ValidationError{Fields: fields}
}

// validateRoles confines history entries to the roles the upstream API
// defines; anything else is rejected rather than relayed verbatim.
func validateRoles(messages []ai.Message) error {
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return &ValidationError{Fields: []string{"messages"}, Message: "Invalid message role"}
		}
	}
	return nil
}
