package middleware

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

var (
	threadIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	invocationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,256}$`)
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateDocumentID validates a document ID.
func ValidateDocumentID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid document ID format")
	}
	return nil
}

// ValidateThreadID validates a thread ID chosen by the client.
func ValidateThreadID(id string) error {
	if !threadIDPattern.MatchString(id) {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateInvocationID validates a tool invocation ID assigned by the model.
func ValidateInvocationID(id string) error {
	if !invocationIDPattern.MatchString(id) {
		return errors.New("invalid invocation ID format")
	}
	return nil
}

// ValidateDecision validates a human decision.
func ValidateDecision(d model.Decision) error {
	if !d.Valid() {
		return errors.New("decision must be approved or rejected")
	}
	return nil
}

// ValidateTitle validates a document title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
