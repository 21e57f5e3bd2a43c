// Package extract turns uploaded files into chunked plain text. Plain text
// and markdown are split directly, HTML is converted to markdown first, and
// layout-heavy formats go through a docling-serve conversion service.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// ErrNoContent marks a document whose extraction produced no usable text.
var ErrNoContent = errors.New("document produced no extractable content")

// UnsupportedFormatError reports a file extension no extractor handles.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file format %q", e.Ext)
}

// Segment is one chunk of extracted text plus whatever structural metadata
// the extractor recovered. Plain text inputs carry no metadata; docling
// conversions contribute origin, heading, and page information.
type Segment struct {
	Text     string
	Metadata map[string]any
}

// doclingFormats are handled by the conversion service.
var doclingFormats = map[string]bool{
	".pdf":      true,
	".docx":     true,
	".pptx":     true,
	".xlsx":     true,
	".asciidoc": true,
	".adoc":     true,
}

// Supported reports whether ext (with leading dot, any case) has an
// extractor.
func Supported(ext string) bool {
	ext = strings.ToLower(ext)
	switch ext {
	case ".txt", ".md", ".html", ".htm":
		return true
	}
	return doclingFormats[ext]
}

// Service dispatches extraction by file extension.
type Service struct {
	splitter *SentenceSplitter
	docling  *DoclingClient
	logger   *slog.Logger
}

func NewService(splitter *SentenceSplitter, docling *DoclingClient, logger *slog.Logger) *Service {
	return &Service{
		splitter: splitter,
		docling:  docling,
		logger:   logger.With("component", "extract"),
	}
}

// Extract reads the file at path and returns its segments in document
// order. Whitespace-only segments are dropped; a document with no remaining
// segments returns ErrNoContent.
func (s *Service) Extract(ctx context.Context, path, filename string) ([]Segment, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	var (
		segments []Segment
		err      error
	)
	switch {
	case ext == ".txt" || ext == ".md":
		var text string
		if text, err = readFile(path); err == nil {
			segments = plainSegments(s.splitter.Split(text))
		}
	case ext == ".html" || ext == ".htm":
		var text string
		if text, err = s.extractHTML(path); err == nil {
			segments = plainSegments(s.splitter.Split(text))
		}
	case doclingFormats[ext]:
		var conv *doclingConversion
		if conv, err = s.docling.Convert(ctx, path, filename); err == nil {
			segments = s.doclingSegments(conv)
		}
	default:
		return nil, &UnsupportedFormatError{Ext: ext}
	}
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", filename, err)
	}

	kept := segments[:0]
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) != "" {
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoContent
	}

	s.logger.Debug("extracted document", "file", filename, "chunks", len(kept))
	return kept, nil
}

func plainSegments(chunks []string) []Segment {
	segments := make([]Segment, 0, len(chunks))
	for _, chunk := range chunks {
		segments = append(segments, Segment{Text: chunk})
	}
	return segments
}

// doclingSegments turns a docling conversion into segments. When the
// structured document is present, items are grouped under their nearest
// heading and annotated with origin and page; otherwise the markdown
// rendition is sentence-split like plain text.
func (s *Service) doclingSegments(conv *doclingConversion) []Segment {
	doc := conv.Document
	if doc == nil || len(doc.Texts) == 0 {
		return plainSegments(s.splitter.Split(conv.Markdown))
	}

	origin := make(map[string]any, 2)
	if doc.Origin.Filename != "" {
		origin["filename"] = doc.Origin.Filename
	}
	if doc.Origin.Mimetype != "" {
		origin["mimetype"] = doc.Origin.Mimetype
	}

	var segments []Segment
	var block []string
	blockWords := 0
	heading := ""
	page := 0

	flush := func() {
		text := strings.TrimSpace(strings.Join(block, "\n\n"))
		blockPage := page
		block, blockWords, page = nil, 0, 0
		if text == "" {
			return
		}
		for _, piece := range s.splitter.Split(text) {
			meta := make(map[string]any, 3)
			if len(origin) > 0 {
				meta["origin"] = origin
			}
			if heading != "" {
				meta["heading"] = heading
			}
			if blockPage > 0 {
				meta["page_no"] = blockPage
			}
			segments = append(segments, Segment{Text: piece, Metadata: meta})
		}
	}

	for _, item := range doc.Texts {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		if item.Label == "title" || item.Label == "section_header" {
			flush()
			heading = text
		}
		words := len(strings.Fields(text))
		if blockWords+words > s.splitter.ChunkSize && blockWords > 0 {
			flush()
		}
		if len(block) == 0 && len(item.Prov) > 0 {
			page = item.Prov[0].PageNo
		}
		block = append(block, text)
		blockWords += words
	}
	flush()

	return segments
}

func (s *Service) extractHTML(path string) (string, error) {
	raw, err := readFile(path)
	if err != nil {
		return "", err
	}
	md, err := htmltomarkdown.ConvertString(raw)
	if err != nil {
		return "", fmt.Errorf("converting html to markdown: %w", err)
	}
	return md, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}
