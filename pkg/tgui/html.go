// Package tgui builds text for Telegram's HTML parse mode.
package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// H is HTML that is already safe to send with ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes untrusted text.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Keep it short: every message chunk must
// carry balanced tags.
func Pre(s string) H { return H("<pre>" + html.EscapeString(s) + "</pre>") }

// Join joins non-blank parts with sep.
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return H(strings.Join(ss, sep))
}

// Trunc cuts s to at most n runes, marking the cut with an ellipsis.
func Trunc(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, seen := 0, 0
	for i = range s {
		if seen == n-1 {
			break
		}
		seen++
	}
	return s[:i] + "…"
}
