package enhance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// Item caps per artifact section
const (
	maxConcepts    = 5
	maxHistorical  = 3
	maxCultural    = 3
	maxConnections = 4
)

// Concept is one explained term
type Concept struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	Importance string `json:"importance"`
}

// HistoricalRef is one historical context item
type HistoricalRef struct {
	Event     string `json:"event"`
	Period    string `json:"period"`
	Relevance string `json:"relevance"`
}

// CulturalRef is one cultural context item
type CulturalRef struct {
	Reference    string `json:"reference"`
	Origin       string `json:"origin"`
	Significance string `json:"significance"`
}

// Connection links the selection to a broader topic
type Connection struct {
	Topic       string `json:"topic"`
	Explanation string `json:"explanation"`
}

// Artifact is the structured enhancement returned for a selection
type Artifact struct {
	Concepts    []Concept       `json:"concepts"`
	Historical  []HistoricalRef `json:"historical"`
	Cultural    []CulturalRef   `json:"cultural"`
	Connections []Connection    `json:"connections"`
}

// ItemCount returns the total number of items across all sections
func (a *Artifact) ItemCount() int {
	return len(a.Concepts) + len(a.Historical) + len(a.Cultural) + len(a.Connections)
}

// artifactSchema enforces the section caps and per-item required fields
const artifactSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "concepts": {
      "type": "array",
      "maxItems": 5,
      "items": {
        "type": "object",
        "required": ["term", "definition", "importance"],
        "properties": {
          "term": {"type": "string", "minLength": 1},
          "definition": {"type": "string", "minLength": 1},
          "importance": {"type": "string", "enum": ["high", "medium", "low"]}
        }
      }
    },
    "historical": {
      "type": "array",
      "maxItems": 3,
      "items": {
        "type": "object",
        "required": ["event", "period", "relevance"],
        "properties": {
          "event": {"type": "string", "minLength": 1},
          "period": {"type": "string", "minLength": 1},
          "relevance": {"type": "string", "minLength": 1}
        }
      }
    },
    "cultural": {
      "type": "array",
      "maxItems": 3,
      "items": {
        "type": "object",
        "required": ["reference", "origin", "significance"],
        "properties": {
          "reference": {"type": "string", "minLength": 1},
          "origin": {"type": "string", "minLength": 1},
          "significance": {"type": "string", "minLength": 1}
        }
      }
    },
    "connections": {
      "type": "array",
      "maxItems": 4,
      "items": {
        "type": "object",
        "required": ["topic", "explanation"],
        "properties": {
          "topic": {"type": "string", "minLength": 1},
          "explanation": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledArtifactSchema = gojsonschema.NewStringLoader(artifactSchema)

// ParseArtifact parses and validates a model response. The raw text may
// carry markdown fences around the JSON body.
func ParseArtifact(raw string) (*Artifact, error) {
	body := stripFences(raw)

	result, err := gojsonschema.Validate(compiledArtifactSchema, gojsonschema.NewStringLoader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "ENHANCE_PARSE_FAILED",
			"enhancement response is not valid JSON", apperrors.ClassDependency)
	}
	if !result.Valid() {
		detail := ""
		if len(result.Errors()) > 0 {
			detail = result.Errors()[0].String()
		}
		return nil, apperrors.New("ENHANCE_SCHEMA_VIOLATION",
			fmt.Sprintf("enhancement response failed validation: %s", detail),
			apperrors.ClassDependency)
	}

	var artifact Artifact
	if err := json.Unmarshal([]byte(body), &artifact); err != nil {
		return nil, apperrors.Wrap(err, "ENHANCE_PARSE_FAILED",
			"enhancement response is not valid JSON", apperrors.ClassDependency)
	}
	return &artifact, nil
}

// stripFences removes a leading/trailing markdown code fence if present
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json) and the closing fence
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}
