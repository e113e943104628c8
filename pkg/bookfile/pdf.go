// Package bookfile validates uploaded book files before they are stored.
package bookfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	ContentTypePDF = "application/pdf"
	// MaxSize bounds uploads held in memory for inspection.
	MaxSize = 200 << 20

	previewChars = 280
)

var (
	ErrNotPDF   = errors.New("file is not a PDF document")
	ErrEmptyPDF = errors.New("PDF has no pages")
	ErrTooLarge = errors.New("file is too large")
)

// Info is what we learn from a valid PDF.
type Info struct {
	PageCount int
	// Preview is plain text from the first readable page, trimmed.
	Preview string
}

// ReadAll reads an upload of at most limit bytes. A non-positive limit means MaxSize.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// InspectPDF checks the header and parses the document to count pages.
func InspectPDF(data []byte) (info Info, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return Info{}, ErrNotPDF
	}
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			info, err = Info{}, fmt.Errorf("%w: %v", ErrNotPDF, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	pages := reader.NumPage()
	if pages <= 0 {
		return Info{}, ErrEmptyPDF
	}
	return Info{PageCount: pages, Preview: firstPageText(reader, pages)}, nil
}

func firstPageText(reader *pdf.Reader, pages int) string {
	for i := 1; i <= pages && i <= 3; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.Join(strings.Fields(text), " ")
		if text == "" {
			continue
		}
		return truncate(text, previewChars)
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
