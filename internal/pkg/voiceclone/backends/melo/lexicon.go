package melo

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}']+|[^\s\p{L}\p{N}']`)

type pronunciation struct {
	phones []int64
	tones  []int64
}

// Lexicon maps words to phone ids and tones. tokens.txt holds one
// "<phone> <id>" pair per line; lexicon.txt holds "<word> <phones...> <tones...>"
// with as many tones as phones.
type Lexicon struct {
	tokenToID map[string]int64
	words     map[string]pronunciation
	blankID   int64
	addBlank  bool
}

func LoadLexicon(tokensPath, lexiconPath string, addBlank bool) (*Lexicon, error) {
	l := &Lexicon{
		tokenToID: make(map[string]int64),
		words:     make(map[string]pronunciation),
		addBlank:  addBlank,
	}
	if err := l.loadTokens(tokensPath); err != nil {
		return nil, err
	}
	if err := l.loadWords(lexiconPath); err != nil {
		return nil, err
	}
	if id, ok := l.tokenToID["_"]; ok {
		l.blankID = id
	}
	return l, nil
}

func (l *Lexicon) loadTokens(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open tokens file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// the token itself may be a space, so split on the last space
		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(line[idx+1:]), 10, 64)
		if err != nil {
			continue
		}
		token := line[:idx]
		if token == "" {
			token = " "
		}
		l.tokenToID[token] = id
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read tokens file: %w", err)
	}
	if len(l.tokenToID) == 0 {
		return fmt.Errorf("tokens file %s is empty", path)
	}
	return nil
}

func (l *Lexicon) loadWords(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open lexicon file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || (len(fields)-1)%2 != 0 {
			continue
		}
		word := strings.ToLower(fields[0])
		n := (len(fields) - 1) / 2

		p := pronunciation{
			phones: make([]int64, 0, n),
			tones:  make([]int64, 0, n),
		}
		valid := true
		for i := 0; i < n; i++ {
			id, ok := l.tokenToID[fields[1+i]]
			if !ok {
				valid = false
				break
			}
			tone, err := strconv.ParseInt(fields[1+n+i], 10, 64)
			if err != nil {
				valid = false
				break
			}
			p.phones = append(p.phones, id)
			p.tones = append(p.tones, tone)
		}
		if valid {
			l.words[word] = p
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read lexicon file: %w", err)
	}
	return nil
}

// Encode returns the phone ids and tones of text. Words missing from the
// lexicon are spelled letter by letter; characters that still cannot be
// resolved are dropped.
func (l *Lexicon) Encode(text string) ([]int64, []int64) {
	var phones, tones []int64
	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if p, ok := l.words[word]; ok {
			phones = append(phones, p.phones...)
			tones = append(tones, p.tones...)
			continue
		}
		if id, ok := l.tokenToID[word]; ok {
			phones = append(phones, id)
			tones = append(tones, 0)
			continue
		}
		for _, r := range word {
			if p, ok := l.words[string(r)]; ok {
				phones = append(phones, p.phones...)
				tones = append(tones, p.tones...)
			}
		}
	}

	if l.addBlank && len(phones) > 0 {
		phones = l.intersperse(phones)
		tones = intersperseZero(tones)
	}
	return phones, tones
}

func (l *Lexicon) intersperse(seq []int64) []int64 {
	out := make([]int64, 2*len(seq)+1)
	for i := range out {
		out[i] = l.blankID
	}
	for i, v := range seq {
		out[2*i+1] = v
	}
	return out
}

func intersperseZero(seq []int64) []int64 {
	out := make([]int64, 2*len(seq)+1)
	for i, v := range seq {
		out[2*i+1] = v
	}
	return out
}

func (l *Lexicon) VocabSize() int {
	return len(l.tokenToID)
}

func (l *Lexicon) Words() int {
	return len(l.words)
}
