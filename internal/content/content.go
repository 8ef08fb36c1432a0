package content

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"tutorchat/internal/models"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string. Inbound message text
// passes through here before it reaches any renderer.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts message markdown to HTML and sanitizes the result,
// so a hostile message body cannot smuggle markup past the render step.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateMessageType checks the type against the closed set the platform
// supports.
func ValidateMessageType(t string) error {
	switch models.MessageType(t) {
	case models.MessageTypeText, models.MessageTypeFile, models.MessageTypeImage:
		return nil
	}
	return fmt.Errorf("%w: unknown message type %q", models.ErrInvalidMessage, t)
}
