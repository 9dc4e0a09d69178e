package wordd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"pkt.systems/wordd/internal/corpus"
)

// LoadWordList reads a UTF-8 word list, one word per line, and builds the
// corpus: lines are trimmed, empties dropped, duplicates keep their first
// occurrence, file order is preserved as the canonical result order.
func LoadWordList(path string) (*corpus.Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordlist: open %q: %w", path, err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		word := strings.TrimSpace(scanner.Text())
		if word == "" {
			continue
		}
		if !utf8.ValidString(word) {
			return nil, fmt.Errorf("wordlist: %s:%d: invalid UTF-8", path, lineNo)
		}
		words = append(words, word)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wordlist: read %q: %w", path, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("wordlist: %q contains no words", path)
	}
	return corpus.New(words), nil
}
