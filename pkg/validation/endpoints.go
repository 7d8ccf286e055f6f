package validation

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// maxSelectionChars bounds inline selection text; longer payloads are
// rejected with a payload-too-large error.
const maxSelectionChars = 300

// targetLangPattern accepts BCP-47-style codes: "fr" or "fr-CA"
var targetLangPattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// ChatRequestSchema validates the answer endpoint payload
func ChatRequestSchema() Schema {
	return Schema{Fields: map[string]Field{
		"message": {
			Type: TypeString, Required: true, Sanitize: true,
			MinLen: 1, MaxLen: 2000,
		},
		"book_id": {Type: TypeUUID, Required: true},
		"chapter_idx": {
			Type: TypeNumber,
			Min:  floatPtr(0),
			Check: func(value interface{}) string {
				if f, ok := value.(float64); ok && f != float64(int(f)) {
					return "must be an integer"
				}
				return ""
			},
		},
		"intent": {
			Type:    TypeString,
			Allowed: []string{"ask", "translate", "explain", "disambiguate", "summarize", "enhance"},
		},
		"targetLang": {Type: TypeString, Sanitize: true, MaxLen: 40, Pattern: targetLangPattern},
		"conversationId": {Type: TypeUUID},
		"context": {
			Type: TypeObject,
			Check: func(value interface{}) string {
				obj := value.(map[string]interface{})
				if text, ok := obj["text"].(string); ok && len(text) > maxSelectionChars {
					// Rejected below with the dedicated code
					return oversizedSelectionMarker
				}
				return ""
			},
		},
		"allow_stale": {Type: TypeBoolean},
	}}
}

// oversizedSelectionMarker is translated to a payload-too-large error
const oversizedSelectionMarker = "selection exceeds limit"

// ValidateChatRequest validates and sanitizes an answer payload,
// mapping oversized selections to the payload-too-large code.
func ValidateChatRequest(payload map[string]interface{}) (map[string]interface{}, error) {
	out, err := ChatRequestSchema().Validate(payload)
	if err == nil {
		return out, nil
	}
	ce := apperrors.AsClassified(err)
	if ce.Class == apperrors.ClassValidation && strings.Contains(ce.Message, oversizedSelectionMarker) {
		return nil, apperrors.New(apperrors.CodePayloadTooLarge,
			fmt.Sprintf("selection text must be at most %d characters", maxSelectionChars),
			apperrors.ClassValidation)
	}
	return nil, err
}

// FeedbackSchema validates user feedback submissions; free text runs
// through the PII detectors.
func FeedbackSchema() Schema {
	return Schema{Fields: map[string]Field{
		"rating": {
			Type: TypeNumber, Required: true,
			Min: floatPtr(1), Max: floatPtr(5),
		},
		"comment": {
			Type: TypeString, Sanitize: true,
			MaxLen: 2000, RejectPII: true,
		},
		"request_id": {Type: TypeUUID},
	}}
}

func floatPtr(f float64) *float64 { return &f }
