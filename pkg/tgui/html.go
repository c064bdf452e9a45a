package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is text that is safe to send with ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes s for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name, s string) H { return H(fmt.Sprintf("<%s>%s</%s>", name, Esc(s), name)) }

func B(s string) H    { return tag("b", s) }
func Code(s string) H { return tag("code", s) }

// JoinH joins parts with sep, leaving out blank ones.
func JoinH(sep string, parts ...H) H {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(string(p))
	}
	return H(b.String())
}
