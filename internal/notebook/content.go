package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Content is a raw Jupyter notebook document. The bytes are kept as
// received so commits reproduce the upload exactly; comparisons and
// metadata lookups parse on demand.
type Content struct {
	raw []byte
}

var ErrInvalidNotebook = errors.New("content is not a valid notebook document")

func NewContent(raw []byte) (Content, error) {
	var doc struct {
		NBFormat int             `json:"nbformat"`
		Cells    json.RawMessage `json:"cells"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}
	if doc.NBFormat == 0 || doc.Cells == nil {
		return Content{}, fmt.Errorf("%w: missing nbformat or cells", ErrInvalidNotebook)
	}
	return Content{raw: raw}, nil
}

func (c Content) Raw() []byte {
	return c.raw
}

func (c Content) IsZero() bool {
	return len(c.raw) == 0
}

// Language reports the notebook's language name and version, preferring
// metadata.language_info and falling back to the kernelspec language.
func (c Content) Language() (name, version string) {
	var doc struct {
		Metadata struct {
			LanguageInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"language_info"`
			KernelSpec struct {
				Language string `json:"language"`
			} `json:"kernelspec"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(c.raw, &doc); err != nil {
		return "", ""
	}
	name = strings.TrimSpace(doc.Metadata.LanguageInfo.Name)
	version = strings.TrimSpace(doc.Metadata.LanguageInfo.Version)
	if name == "" {
		name = strings.TrimSpace(doc.Metadata.KernelSpec.Language)
	}
	return name, version
}

// Equal compares two notebooks structurally: both are re-marshaled from
// parsed form so key order and whitespace differences do not count as
// changes.
func (c Content) Equal(other Content) bool {
	return bytes.Equal(normalize(c.raw), normalize(other.raw))
}

func normalize(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return normalized
}
