package embedding

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/hyperjump/embeddy/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// WordPieceTokenizer implements the WordPiece model of a tokenizer.json file
// with BERT-style normalization and pre-tokenization: control characters
// dropped, CJK ideographs isolated, optional lowercasing and accent
// stripping, whitespace and punctuation splitting, and [CLS]/[SEP] wrapping.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowercase    bool
	stripAccents bool
	isolateCJK   bool
	prefix       string
	maxChars  int
	cls       int64
	sep       int64
	unk       int64
}

// LoadTokenizer reads dir/tokenizer.json.
func LoadTokenizer(dir string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, models.TokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIncompleteModel, err)
	}
	return ParseTokenizer(data)
}

// ParseTokenizer builds a tokenizer from tokenizer.json contents.
func ParseTokenizer(data []byte) (*WordPieceTokenizer, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: tokenizer.json is not valid JSON", models.ErrWeightsCorrupt)
	}
	doc := gjson.ParseBytes(data)
	if typ := doc.Get("model.type").String(); typ != "" && typ != "WordPiece" {
		return nil, fmt.Errorf("%w: tokenizer model %q", models.ErrUnsupportedArchitecture, typ)
	}

	t := &WordPieceTokenizer{
		vocab:    make(map[string]int64),
		prefix:   "##",
		maxChars: 100,
	}
	doc.Get("model.vocab").ForEach(func(k, v gjson.Result) bool {
		t.vocab[k.String()] = v.Int()
		return true
	})
	if len(t.vocab) == 0 {
		return nil, fmt.Errorf("%w: tokenizer.json has an empty vocabulary", models.ErrWeightsCorrupt)
	}
	if p := doc.Get("model.continuing_subword_prefix"); p.Exists() {
		t.prefix = p.String()
	}
	if n := doc.Get("model.max_input_chars_per_word").Int(); n > 0 {
		t.maxChars = int(n)
	}
	t.parseNormalizer(doc.Get("normalizer"))

	unk := doc.Get("model.unk_token").String()
	if unk == "" {
		unk = "[UNK]"
	}
	var ok bool
	if t.unk, ok = t.vocab[unk]; !ok {
		return nil, fmt.Errorf("%w: unknown token %q missing from vocabulary", models.ErrWeightsCorrupt, unk)
	}
	if t.cls, t.sep, ok = t.specials("[CLS]", "[SEP]"); !ok {
		if t.cls, t.sep, ok = t.specials("<s>", "</s>"); !ok {
			return nil, fmt.Errorf("%w: no sequence start/end tokens in vocabulary", models.ErrWeightsCorrupt)
		}
	}
	return t, nil
}

// parseNormalizer reads either a BertNormalizer or a Sequence of simple
// normalizers. BertNormalizer strips accents whenever it lowercases unless
// strip_accents says otherwise.
func (t *WordPieceTokenizer) parseNormalizer(n gjson.Result) {
	if n.Get("type").String() == "BertNormalizer" {
		t.lowercase = true
		if lc := n.Get("lowercase"); lc.Exists() {
			t.lowercase = lc.Bool()
		}
		t.stripAccents = t.lowercase
		if sa := n.Get("strip_accents"); sa.Exists() && sa.Type != gjson.Null {
			t.stripAccents = sa.Bool()
		}
		t.isolateCJK = true
		if hc := n.Get("handle_chinese_chars"); hc.Exists() {
			t.isolateCJK = hc.Bool()
		}
		return
	}
	if lc := n.Get("lowercase"); lc.Exists() {
		t.lowercase = lc.Bool()
	}
	n.Get("normalizers").ForEach(func(_, step gjson.Result) bool {
		switch step.Get("type").String() {
		case "Lowercase":
			t.lowercase = true
		case "StripAccents":
			t.stripAccents = true
		case "BertNormalizer":
			t.parseNormalizer(step)
		}
		return true
	})
}

// normalize applies case folding and accent stripping.
func (t *WordPieceTokenizer) normalize(text string) string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	if t.stripAccents {
		var b strings.Builder
		for _, r := range norm.NFD.String(text) {
			if !unicode.Is(unicode.Mn, r) {
				b.WriteRune(r)
			}
		}
		text = b.String()
	}
	return text
}

func (t *WordPieceTokenizer) specials(start, end string) (int64, int64, bool) {
	s, ok1 := t.vocab[start]
	e, ok2 := t.vocab[end]
	return s, e, ok1 && ok2
}

// VocabSize returns the number of vocabulary entries.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// Tokenize returns unpadded sequences of at most maxTokens ids, including
// the start and end tokens.
func (t *WordPieceTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens < 2 {
		maxTokens = 2
	}
	inputIDs = append(inputIDs, t.cls)
	limit := maxTokens - 1
	for _, word := range splitWords(t.normalize(text), t.isolateCJK) {
		for _, id := range t.wordPiece(word) {
			if len(inputIDs) >= limit {
				break
			}
			inputIDs = append(inputIDs, id)
		}
		if len(inputIDs) >= limit {
			break
		}
	}
	inputIDs = append(inputIDs, t.sep)

	attentionMask = make([]int64, len(inputIDs))
	tokenTypeIDs = make([]int64, len(inputIDs))
	for i := range attentionMask {
		attentionMask[i] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// wordPiece splits a word into the longest matching vocabulary pieces. A
// word with any unmatched remainder becomes a single unknown token.
func (t *WordPieceTokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > t.maxChars {
		return []int64{t.unk}
	}
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var id int64
		found := false
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = t.prefix + piece
			}
			if v, ok := t.vocab[piece]; ok {
				id, found = v, true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unk}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

// SplitWords splits text on whitespace, isolates each punctuation rune and
// CJK ideograph, and drops control characters.
func SplitWords(text string) []string {
	return splitWords(text, true)
}

func splitWords(text string, isolateCJK bool) []string {
	var words []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			words = append(words, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == 0 || r == unicode.ReplacementChar || unicode.IsControl(r) || unicode.Is(unicode.Cf, r):
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || (isolateCJK && isCJK(r)):
			flush()
			words = append(words, string(r))
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return words
}

// isCJK reports whether r is in a CJK Unified Ideographs block. Hangul and
// kana are not included; they are split on whitespace like other scripts.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

// HashString returns a deterministic non-negative hash of s.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
