package extract

import (
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize and DefaultOverlap are measured in words, a close
	// enough proxy for tokens at chunking granularity.
	DefaultChunkSize = 500
	DefaultOverlap   = 50
)

// SentenceSplitter groups sentences into chunks of roughly ChunkSize words
// with Overlap words carried between consecutive chunks. Sentences longer
// than ChunkSize are split on word boundaries.
type SentenceSplitter struct {
	ChunkSize int
	Overlap   int
}

// NewSentenceSplitter applies defaults for non-positive settings.
func NewSentenceSplitter(chunkSize, overlap int) *SentenceSplitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	return &SentenceSplitter{ChunkSize: chunkSize, Overlap: overlap}
}

// Split chunks text. Whitespace-only input yields nil.
func (s *SentenceSplitter) Split(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, " "))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current, currentWords = s.overlapTail(current)
	}

	for _, sentence := range sentences {
		words := len(strings.Fields(sentence))

		if words > s.ChunkSize {
			if currentWords > 0 {
				flush()
				current, currentWords = nil, 0
			}
			chunks = append(chunks, s.splitLongSentence(sentence)...)
			continue
		}

		if currentWords+words > s.ChunkSize && currentWords > 0 {
			flush()
		}
		current = append(current, sentence)
		currentWords += words
	}

	if len(current) > 0 {
		chunk := strings.TrimSpace(strings.Join(current, " "))
		// The trailing buffer may hold only the overlap carried from the
		// previous flush; emitting it again would duplicate content.
		if chunk != "" && (len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], chunk)) {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// overlapTail collects trailing sentences totalling up to Overlap words.
func (s *SentenceSplitter) overlapTail(sentences []string) ([]string, int) {
	if s.Overlap <= 0 || len(sentences) == 0 {
		return nil, 0
	}
	var tail []string
	words := 0
	for i := len(sentences) - 1; i >= 0 && words < s.Overlap; i-- {
		tail = append([]string{sentences[i]}, tail...)
		words += len(strings.Fields(sentences[i]))
	}
	return tail, words
}

func (s *SentenceSplitter) splitLongSentence(sentence string) []string {
	words := strings.Fields(sentence)
	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = max(s.ChunkSize/2, 1)
	}

	var chunks []string
	for i := 0; i < len(words); i += step {
		end := min(i+s.ChunkSize, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end >= len(words) {
			break
		}
	}
	return chunks
}

// splitSentences splits on . ! ? followed by whitespace, keeping common
// abbreviations attached to their sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(current.String())
		if sentence != "" && !endsWithAbbreviation(sentence) {
			sentences = append(sentences, sentence)
			current.Reset()
		}
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "v.",
	"st.", "ave.", "blvd.",
	"no.", "vol.", "pg.",
}

func endsWithAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}
