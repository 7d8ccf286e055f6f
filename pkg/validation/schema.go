// Package validation applies declarative per-endpoint schemas to
// request payloads: typed field rules, sanitization, unknown-field
// rejection, and PII detection for user-submitted text.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// FieldType names the accepted value shape of a field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeUUID    FieldType = "uuid"
	TypeEmail   FieldType = "email"
	TypeURL     FieldType = "url"
)

// Field is one declarative field rule
type Field struct {
	Type     FieldType
	Required bool
	// MinLen/MaxLen bound string length; Min/Max bound numbers
	MinLen int
	MaxLen int
	Min    *float64
	Max    *float64
	// Pattern must match the whole sanitized value
	Pattern *regexp.Regexp
	// Allowed restricts the value to a fixed set
	Allowed []string
	// Sanitize strips control characters and HTML and collapses
	// whitespace before the other rules run.
	Sanitize bool
	// RejectPII runs the PII detectors against the value
	RejectPII bool
	// Check is an optional custom predicate returning a user-facing
	// message on failure.
	Check func(value interface{}) string
}

// Schema is the field map of one endpoint. Unknown payload fields are
// rejected.
type Schema struct {
	Fields map[string]Field
}

var formatValidator = validator.New()

var (
	controlCharRegex = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	htmlTagRegex     = regexp.MustCompile(`<[^>]*>`)
	spaceRunRegex    = regexp.MustCompile(`\s+`)
)

// Sanitize strips control characters and HTML tags and normalizes
// whitespace.
func Sanitize(value string) string {
	out := controlCharRegex.ReplaceAllString(value, "")
	out = htmlTagRegex.ReplaceAllString(out, "")
	out = spaceRunRegex.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Validate checks the payload against the schema and returns the
// sanitized payload. The first violation is reported as a validation
// error naming the field.
func (s Schema) Validate(payload map[string]interface{}) (map[string]interface{}, error) {
	for name := range payload {
		if _, ok := s.Fields[name]; !ok {
			return nil, apperrors.Validation(fmt.Sprintf("unknown field %q", name))
		}
	}

	out := make(map[string]interface{}, len(payload))
	for name, rule := range s.Fields {
		value, present := payload[name]
		if !present {
			if rule.Required {
				return nil, apperrors.Validation(fmt.Sprintf("field %q is required", name))
			}
			continue
		}
		checked, err := rule.validate(name, value)
		if err != nil {
			return nil, err
		}
		out[name] = checked
	}
	return out, nil
}

func (f Field) validate(name string, value interface{}) (interface{}, error) {
	fail := func(format string, args ...interface{}) error {
		return apperrors.Validation(fmt.Sprintf("field %q ", name) + fmt.Sprintf(format, args...))
	}

	switch f.Type {
	case TypeString, TypeUUID, TypeEmail, TypeURL:
		str, ok := value.(string)
		if !ok {
			return nil, fail("must be a string")
		}
		if f.Sanitize {
			str = Sanitize(str)
		}
		if f.Required && str == "" {
			return nil, fail("must not be empty")
		}
		if f.MinLen > 0 && len(str) < f.MinLen {
			return nil, fail("must be at least %d characters", f.MinLen)
		}
		if f.MaxLen > 0 && len(str) > f.MaxLen {
			return nil, fail("must be at most %d characters", f.MaxLen)
		}
		if f.Pattern != nil && !f.Pattern.MatchString(str) {
			return nil, fail("has an invalid format")
		}
		if len(f.Allowed) > 0 && !contains(f.Allowed, str) {
			return nil, fail("must be one of %s", strings.Join(f.Allowed, ", "))
		}
		if tag := formatTag(f.Type); tag != "" && str != "" {
			if err := formatValidator.Var(str, tag); err != nil {
				return nil, fail("must be a valid %s", f.Type)
			}
		}
		if f.RejectPII {
			if kind := DetectPII(str); kind != "" {
				return nil, apperrors.Validation(piiMessage(kind)).WithDetails(map[string]string{"field": name})
			}
		}
		if f.Check != nil {
			if msg := f.Check(str); msg != "" {
				return nil, fail("%s", msg)
			}
		}
		return str, nil

	case TypeNumber:
		num, ok := toFloat(value)
		if !ok {
			return nil, fail("must be a number")
		}
		if f.Min != nil && num < *f.Min {
			return nil, fail("must be >= %v", *f.Min)
		}
		if f.Max != nil && num > *f.Max {
			return nil, fail("must be <= %v", *f.Max)
		}
		if f.Check != nil {
			if msg := f.Check(num); msg != "" {
				return nil, fail("%s", msg)
			}
		}
		return num, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fail("must be a boolean")
		}
		return b, nil

	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fail("must be an array")
		}
		if f.MaxLen > 0 && len(arr) > f.MaxLen {
			return nil, fail("must have at most %d items", f.MaxLen)
		}
		if f.Check != nil {
			if msg := f.Check(arr); msg != "" {
				return nil, fail("%s", msg)
			}
		}
		return arr, nil

	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fail("must be an object")
		}
		if f.Check != nil {
			if msg := f.Check(obj); msg != "" {
				return nil, fail("%s", msg)
			}
		}
		return obj, nil

	default:
		return nil, fail("has an unsupported type")
	}
}

func formatTag(t FieldType) string {
	switch t {
	case TypeUUID:
		return "uuid4"
	case TypeEmail:
		return "email"
	case TypeURL:
		return "url"
	default:
		return ""
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
