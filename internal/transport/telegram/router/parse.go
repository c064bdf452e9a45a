package router

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"unicode"
)

var reqCounter atomic.Uint32

// newReqID returns ids like "r1a-4f2c": a per-process counter in hex and
// sixteen random bits. Only used to correlate log lines.
func newReqID() string {
	return fmt.Sprintf("r%x-%04x", reqCounter.Add(1), rand.Uint32()&0xffff)
}

// tokenizeCommandLine splits a command into words. Single or double quotes
// group words and a backslash takes the next byte literally:
//
//	/rotate start "news|https://a.example|30" --close-others
//
// An unterminated quote runs to the end of the text. "" yields an empty word.
func tokenizeCommandLine(s string) []string {
	var (
		words   []string
		cur     strings.Builder
		started bool
		quote   rune
		escaped bool
	)
	for _, ch := range s {
		if escaped {
			cur.WriteRune(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped, started = true, true
			continue
		}
		if quote != 0 {
			if ch == quote {
				quote = 0
			} else {
				cur.WriteRune(ch)
			}
			continue
		}
		switch {
		case ch == '"' || ch == '\'':
			quote, started = ch, true
		case unicode.IsSpace(ch):
			if started {
				words = append(words, cur.String())
			}
			cur.Reset()
			started = false
		default:
			cur.WriteRune(ch)
			started = true
		}
	}
	if started {
		words = append(words, cur.String())
	}
	return words
}

// parseFlags separates "--name=value" and bare "--name" switches from
// positional words. "--name value" is not a flag form; tab specs would be
// swallowed as values. A lone "--" stays positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = make(map[string]string)
	bools = make(map[string]bool)
	for _, a := range args {
		name, ok := strings.CutPrefix(a, "--")
		if !ok || name == "" {
			pos = append(pos, a)
			continue
		}
		if k, v, hasValue := strings.Cut(name, "="); hasValue {
			flags[k] = v
		} else {
			bools[name] = true
		}
	}
	return pos, flags, bools
}
