package phi

import (
	"encoding/json"
	"fmt"

	"github.com/healthprep/healthprep/internal/platform/hipaa"
)

// strippedFields are removed entirely from a raw FHIR resource before it is
// persisted as an opaque snapshot.
var strippedFields = map[string]bool{
	"name":      true,
	"address":   true,
	"telecom":   true,
	"birthDate": true,
	"contact":   true,
}

// hashedRefFields have their reference ids replaced with salted hashes.
var hashedRefFields = map[string]bool{
	"subject": true,
	"author":  true,
}

// Sanitizer scrubs raw FHIR resources before persistence: direct
// identifiers are removed, reference ids are hashed, base64 payloads are
// dropped, and remaining free text goes through the redaction pass.
type Sanitizer struct {
	filter *Filter
	hasher *hipaa.IdentifierHasher
}

func NewSanitizer(filter *Filter, hasher *hipaa.IdentifierHasher) *Sanitizer {
	return &Sanitizer{filter: filter, hasher: hasher}
}

// SanitizeResource parses a raw FHIR JSON resource, scrubs it, and returns
// the sanitised JSON.
func (s *Sanitizer) SanitizeResource(raw []byte) ([]byte, error) {
	var resource map[string]any
	if err := json.Unmarshal(raw, &resource); err != nil {
		return nil, fmt.Errorf("phi sanitize: parse resource: %w", err)
	}

	s.sanitizeMap(resource)

	out, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("phi sanitize: marshal resource: %w", err)
	}
	return out, nil
}

func (s *Sanitizer) sanitizeMap(m map[string]any) {
	for key, val := range m {
		if strippedFields[key] {
			delete(m, key)
			continue
		}
		// Inline base64 attachment payloads never reach the snapshot.
		if key == "data" {
			if _, ok := val.(string); ok {
				delete(m, key)
				continue
			}
		}
		if hashedRefFields[key] {
			if ref, ok := val.(map[string]any); ok {
				s.hashReference(ref)
				continue
			}
		}

		switch v := val.(type) {
		case map[string]any:
			s.sanitizeMap(v)
		case []any:
			for _, item := range v {
				if im, ok := item.(map[string]any); ok {
					s.sanitizeMap(im)
				}
			}
		case string:
			res := s.filter.Redact(v)
			if res.Total() > 0 {
				m[key] = res.Text
			}
		}
	}
}

func (s *Sanitizer) hashReference(ref map[string]any) {
	if r, ok := ref["reference"].(string); ok && r != "" {
		ref["reference"] = s.hasher.Hash(r)
	}
	delete(ref, "display")
}
