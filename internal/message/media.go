package message

import "strings"

// SupportedMIMETypes lists the attachment types any connection may publish.
var SupportedMIMETypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/quicktime": {},
}

var extensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
}

// Media is a single attachment. Either Content or URL carries the payload.
type Media struct {
	MIMEType string
	Content  []byte
	URL      string
	AltText  string
}

// Valid reports whether the attachment has a payload and a supported MIME type.
func (m Media) Valid() bool {
	if len(m.Content) == 0 && strings.TrimSpace(m.URL) == "" {
		return false
	}
	_, ok := SupportedMIMETypes[strings.ToLower(strings.TrimSpace(m.MIMEType))]
	return ok
}

// IsImage reports whether the attachment is an image.
func (m Media) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(m.MIMEType), "image/")
}

// Extension is the usual file extension for the MIME type, "bin" if unknown.
func (m Media) Extension() string {
	if ext, ok := extensions[strings.ToLower(strings.TrimSpace(m.MIMEType))]; ok {
		return ext
	}
	return "bin"
}

// Size is the inline payload size in bytes; 0 for URL references.
func (m Media) Size() int { return len(m.Content) }

func (m Media) clone() Media {
	cp := m
	if m.Content != nil {
		cp.Content = append([]byte(nil), m.Content...)
	}
	return cp
}
