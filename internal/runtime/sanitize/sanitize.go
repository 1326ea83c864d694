// Package sanitize checks event payloads before a bus accepts them.
package sanitize

import (
	"fmt"
	"strings"
	"unicode"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
)

// DefaultMaxBytes bounds the encoded size of a payload.
const DefaultMaxBytes = 1 << 20

// PayloadValidator validates a payload and returns the version the bus
// should carry. Errors wrap errspkg.ErrPayloadRejected.
type PayloadValidator interface {
	ValidateAndSanitize(payload any) (any, error)
}

// Validator rejects payloads that cannot be encoded as JSON or exceed
// MaxBytes, and strips control characters from strings inside generic maps
// and slices. Typed structs and protobuf messages pass through unchanged.
type Validator struct {
	MaxBytes int
}

// New returns a validator with the given size limit; non-positive means
// DefaultMaxBytes.
func New(maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{MaxBytes: maxBytes}
}

func (v *Validator) ValidateAndSanitize(payload any) (any, error) {
	if payload == nil {
		return nil, nil
	}

	clean := payload
	if _, isProto := payload.(proto.Message); !isProto {
		clean = sanitizeValue(payload, 0)
	}

	encoded, err := jsoncodec.MarshalPayload(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: not JSON encodable: %v", errspkg.ErrPayloadRejected, err)
	}
	limit := v.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if len(encoded) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", errspkg.ErrPayloadRejected, len(encoded), limit)
	}
	return clean, nil
}

const maxDepth = 32

func sanitizeValue(v any, depth int) any {
	if depth > maxDepth {
		return v
	}
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[sanitizeString(k)] = sanitizeValue(item, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[sanitizeString(k)] = sanitizeString(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = sanitizeString(item)
		}
		return out
	default:
		return v
	}
}

// sanitizeString drops control characters other than tab, newline and
// carriage return.
func sanitizeString(s string) string {
	if strings.IndexFunc(s, isStripped) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	return unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r'
}
