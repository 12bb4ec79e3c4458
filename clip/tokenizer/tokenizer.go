// Package tokenizer implements the byte-level BPE tokenizer used by CLIP
// text encoders, reading the vocab.json and merges.txt files that ship with
// exported CLIP models.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"

	endOfWord = "</w>"

	// defaultCacheSize bounds the memoized BPE splits.
	defaultCacheSize = 4096
)

var pattern = regexp.MustCompile(`<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`)

var whitespace = regexp.MustCompile(`\s+`)

type pair struct{ a, b string }

type Tokenizer struct {
	encoder     map[string]int64
	ranks       map[pair]int
	byteEncoder [256]string
	sot, eot    int64

	mu        sync.RWMutex
	cache     map[string][]string
	cacheSize int
}

// Load reads a tokenizer from vocab.json and merges.txt files.
func Load(vocabPath, mergesPath string) (*Tokenizer, error) {
	vf, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer vf.Close()
	mf, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open merges: %w", err)
	}
	defer mf.Close()
	return New(vf, mf)
}

func New(vocab, merges io.Reader) (*Tokenizer, error) {
	t := &Tokenizer{
		encoder:     make(map[string]int64),
		ranks:       make(map[pair]int),
		byteEncoder: bytesToUnicode(),
		cache:       make(map[string][]string),
		cacheSize:   defaultCacheSize,
	}
	if err := json.NewDecoder(vocab).Decode(&t.encoder); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}

	sc := bufio.NewScanner(merges)
	rank := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge %q", line)
		}
		t.ranks[pair{parts[0], parts[1]}] = rank
		rank++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merges: %w", err)
	}

	var ok bool
	if t.sot, ok = t.encoder[StartOfText]; !ok {
		return nil, fmt.Errorf("vocab has no %s token", StartOfText)
	}
	if t.eot, ok = t.encoder[EndOfText]; !ok {
		return nil, fmt.Errorf("vocab has no %s token", EndOfText)
	}
	return t, nil
}

// bytesToUnicode maps every byte to a printable rune so BPE never sees
// whitespace or control characters.
func bytesToUnicode() [256]string {
	var table [256]string
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		if printable(b) {
			table[b] = string(rune(b))
			continue
		}
		table[b] = string(rune(256 + n))
		n++
	}
	return table
}

func clean(text string) string {
	text = whitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

// Tokens splits text into BPE tokens without special tokens.
func (t *Tokenizer) Tokens(text string) []string {
	var out []string
	for _, word := range pattern.FindAllString(clean(text), -1) {
		if word == StartOfText || word == EndOfText {
			out = append(out, word)
			continue
		}
		var sb strings.Builder
		for i := 0; i < len(word); i++ {
			sb.WriteString(t.byteEncoder[word[i]])
		}
		out = append(out, t.bpe(sb.String())...)
	}
	return out
}

// Encode returns token ids for text, without start/end markers.
func (t *Tokenizer) Encode(text string) []int64 {
	tokens := t.Tokens(text)
	ids := make([]int64, 0, len(tokens))
	for _, tok := range tokens {
		if id, ok := t.encoder[tok]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// EncodeBatch tokenizes texts into a row-major [len(texts), contextLength]
// matrix. Each row is start token, ids, end token, zero padding; long texts
// are truncated with the end token kept last.
func (t *Tokenizer) EncodeBatch(texts []string, contextLength int) ([]int64, []int64) {
	ids := make([]int64, len(texts)*contextLength)
	mask := make([]int64, len(texts)*contextLength)
	for i, text := range texts {
		row := append([]int64{t.sot}, t.Encode(text)...)
		row = append(row, t.eot)
		if len(row) > contextLength {
			row = row[:contextLength]
			row[contextLength-1] = t.eot
		}
		base := i * contextLength
		copy(ids[base:], row)
		for j := range row {
			mask[base+j] = 1
		}
	}
	return ids, mask
}

func (t *Tokenizer) bpe(token string) []string {
	t.mu.RLock()
	cached, ok := t.cache[token]
	t.mu.RUnlock()
	if ok {
		return cached
	}

	word := make([]string, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	if len(word) == 0 {
		return nil
	}
	word[len(word)-1] += endOfWord

	for len(word) > 1 {
		best, bestRank := -1, -1
		for i := 0; i < len(word)-1; i++ {
			if r, ok := t.ranks[pair{word[i], word[i+1]}]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word))
		for i := 0; i < len(word); {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i += 2
				continue
			}
			merged = append(merged, word[i])
			i++
		}
		word = merged
	}

	t.mu.Lock()
	if len(t.cache) >= t.cacheSize {
		clear(t.cache)
	}
	t.cache[token] = word
	t.mu.Unlock()
	return word
}
