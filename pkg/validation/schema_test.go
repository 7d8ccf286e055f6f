package validation

import (
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "hello world", Sanitize("  hello\x00 <b>world</b>  "))
	assert.Equal(t, "a b", Sanitize("a\n\t  b"))
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	s := Schema{Fields: map[string]Field{"name": {Type: TypeString}}}
	_, err := s.Validate(map[string]interface{}{"name": "x", "extra": 1})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ClassValidation))
	assert.Contains(t, err.Error(), "extra")
}

func TestValidateRequired(t *testing.T) {
	s := Schema{Fields: map[string]Field{"name": {Type: TypeString, Required: true}}}
	_, err := s.Validate(map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestValidateStringBounds(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"name": {Type: TypeString, MinLen: 2, MaxLen: 5},
	}}
	_, err := s.Validate(map[string]interface{}{"name": "a"})
	assert.Error(t, err)
	_, err = s.Validate(map[string]interface{}{"name": "toolong"})
	assert.Error(t, err)
	out, err := s.Validate(map[string]interface{}{"name": "fine"})
	require.NoError(t, err)
	assert.Equal(t, "fine", out["name"])
}

func TestValidateAllowedValues(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"kind": {Type: TypeString, Allowed: []string{"answer", "enhance"}},
	}}
	_, err := s.Validate(map[string]interface{}{"kind": "other"})
	assert.Error(t, err)
	_, err = s.Validate(map[string]interface{}{"kind": "enhance"})
	assert.NoError(t, err)
}

func TestValidateNumberBounds(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"rating": {Type: TypeNumber, Min: floatPtr(1), Max: floatPtr(5)},
	}}
	_, err := s.Validate(map[string]interface{}{"rating": float64(0)})
	assert.Error(t, err)
	_, err = s.Validate(map[string]interface{}{"rating": float64(6)})
	assert.Error(t, err)
	out, err := s.Validate(map[string]interface{}{"rating": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["rating"])
}

func TestValidateFormats(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"id":    {Type: TypeUUID},
		"email": {Type: TypeEmail},
	}}
	_, err := s.Validate(map[string]interface{}{"id": "not-a-uuid"})
	assert.Error(t, err)
	_, err = s.Validate(map[string]interface{}{"email": "not-an-email"})
	assert.Error(t, err)

	_, err = s.Validate(map[string]interface{}{
		"id": uuid.New().String(), "email": "reader@example.com",
	})
	assert.NoError(t, err)
}

func TestValidateSanitizesBeforeRules(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"comment": {Type: TypeString, Sanitize: true, MaxLen: 10},
	}}
	out, err := s.Validate(map[string]interface{}{
		"comment": "  <script>x</script>ok  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "xok", out["comment"])
}

func TestDetectPII(t *testing.T) {
	assert.Equal(t, PIISSN, DetectPII("my ssn is 123-45-6789"))
	assert.Equal(t, PIICreditCard, DetectPII("card 4111 1111 1111 1111"))
	assert.Equal(t, PIIEmail, DetectPII("reach me at reader@example.com"))
	assert.Equal(t, PIIPhone, DetectPII("call 555-123-4567"))
	assert.Equal(t, PIIKind(""), DetectPII("a perfectly clean sentence"))
}

func TestFeedbackSchemaRejectsPII(t *testing.T) {
	_, err := FeedbackSchema().Validate(map[string]interface{}{
		"rating":  float64(4),
		"comment": "great book, email me at reader@example.com",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ClassValidation))
	assert.Contains(t, err.Error(), "email address")
}

func TestChatRequestValid(t *testing.T) {
	out, err := ValidateChatRequest(map[string]interface{}{
		"message": "what is the green light",
		"book_id": uuid.New().String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "what is the green light", out["message"])
}

func TestChatRequestTranslateFields(t *testing.T) {
	out, err := ValidateChatRequest(map[string]interface{}{
		"message":        "what is the green light",
		"book_id":        uuid.New().String(),
		"intent":         "translate",
		"targetLang":     "fr",
		"conversationId": uuid.New().String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "fr", out["targetLang"])

	out, err = ValidateChatRequest(map[string]interface{}{
		"message":    "what is the green light",
		"book_id":    uuid.New().String(),
		"intent":     "translate",
		"targetLang": "pt-BR",
	})
	require.NoError(t, err)
	assert.Equal(t, "pt-BR", out["targetLang"])
}

func TestChatRequestTargetLangFormat(t *testing.T) {
	for _, lang := range []string{"French", "f", "fr-br", "FR", "fra"} {
		_, err := ValidateChatRequest(map[string]interface{}{
			"message":    "translate this",
			"book_id":    uuid.New().String(),
			"targetLang": lang,
		})
		require.Error(t, err, lang)
		assert.True(t, apperrors.Is(err, apperrors.ClassValidation), lang)
	}
}

func TestChatRequestOversizedSelectionIs413(t *testing.T) {
	_, err := ValidateChatRequest(map[string]interface{}{
		"message": "question",
		"book_id": uuid.New().String(),
		"context": map[string]interface{}{
			"text": strings.Repeat("x", 301),
		},
	})
	require.Error(t, err)
	ce := apperrors.AsClassified(err)
	assert.Equal(t, apperrors.CodePayloadTooLarge, ce.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ce.HTTPStatus())
}

func TestChatRequestSelectionAtLimit(t *testing.T) {
	_, err := ValidateChatRequest(map[string]interface{}{
		"message": "question",
		"book_id": uuid.New().String(),
		"context": map[string]interface{}{
			"text": strings.Repeat("x", 300),
		},
	})
	assert.NoError(t, err)
}
