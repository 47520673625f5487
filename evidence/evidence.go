// Package evidence decodes and prepares the optional photo attached to a report.
package evidence

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DefaultMimeType is used when the payload carries no data URL header.
const DefaultMimeType = "image/jpeg"

// ErrInvalidEvidence is returned for payloads that are not valid base64.
var ErrInvalidEvidence = errors.New("invalid evidence payload")

// Evidence is a decoded attachment.
type Evidence struct {
	MimeType string
	Data     []byte
}

// Empty reports whether there is nothing attached.
func (e *Evidence) Empty() bool {
	return e == nil || len(e.Data) == 0
}

// Decode accepts "data:<mime>;base64,<payload>" or bare base64. An empty
// string decodes to nil evidence.
func Decode(s string) (*Evidence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	mimeType := DefaultMimeType
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, body, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URL without payload", ErrInvalidEvidence)
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("%w: only base64 data URLs are supported", ErrInvalidEvidence)
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mimeType = m
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some browsers emit unpadded payloads.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}

	return &Evidence{MimeType: mimeType, Data: data}, nil
}
