// Package paragraph 实现分段器：段落优先，其次句子，再次词边界；贪心打包到 maxChunkSize（按 rune 计）。
package paragraph

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Segmenter 无状态，可并发使用。
type Segmenter struct{}

func New() *Segmenter { return &Segmenter{} }

var _ contract.Segmenter = (*Segmenter)(nil)

// Segment 归一化 text 后切分。每个块都是归一化文本的子串，按源顺序排列。
// 超过 maxChunkSize 的块只可能是不可再分的单个词。
func (s *Segmenter) Segment(ctx context.Context, text string, maxChunkSize int) ([]contract.ChunkJob, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("segmenter: %w: maxChunkSize must be > 0, got %d", contract.ErrInvalidInput, maxChunkSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm := Normalize(text)
	var out []contract.ChunkJob
	for _, sp := range pack(norm, paragraphs(norm), maxChunkSize, levelParagraph) {
		t := norm[sp.s:sp.e]
		if strings.TrimSpace(t) == "" {
			continue
		}
		out = append(out, contract.ChunkJob{Index: len(out), Text: t})
	}
	return out, nil
}

// Normalize: CRLF/CR → LF，去除每行行尾空白，去除首尾空白。
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

type span struct{ s, e int }

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelWord
)

// pack: 贪心合并同级单元（含其间的原始分隔）；超限单元降级再切。
// 超限段落/句子独立成组，不与相邻单元合并。
func pack(text string, units []span, max int, lv level) []span {
	var out []span
	cur := span{-1, -1}
	flush := func() {
		if cur.s >= 0 {
			out = append(out, cur)
			cur = span{-1, -1}
		}
	}
	for _, u := range units {
		if runes(text, u) > max {
			flush()
			switch lv {
			case levelParagraph:
				out = append(out, pack(text, sentences(text, u), max, levelSentence)...)
			case levelSentence:
				out = append(out, pack(text, words(text, u), max, levelWord)...)
			default:
				out = append(out, u) // 不可再分的单个词
			}
			continue
		}
		if cur.s < 0 {
			cur = u
			continue
		}
		if runes(text, span{cur.s, u.e}) <= max {
			cur.e = u.e
			continue
		}
		flush()
		cur = u
	}
	flush()
	return out
}

func runes(text string, sp span) int { return utf8.RuneCountInString(text[sp.s:sp.e]) }

// trimmed: 收缩到非空白边界；全空白返回 ok=false。
func trimmed(text string, s, e int) (span, bool) {
	for s < e {
		r, w := utf8.DecodeRuneInString(text[s:e])
		if !unicode.IsSpace(r) {
			break
		}
		s += w
	}
	for e > s {
		r, w := utf8.DecodeLastRuneInString(text[s:e])
		if !unicode.IsSpace(r) {
			break
		}
		e -= w
	}
	return span{s, e}, s < e
}

// paragraphs: 以空行（归一化后即连续两个以上 \n）分隔。
func paragraphs(text string) []span {
	var out []span
	start := 0
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], "\n\n")
		if j < 0 {
			break
		}
		end := i + j
		next := end
		for next < len(text) && text[next] == '\n' {
			next++
		}
		if sp, ok := trimmed(text, start, end); ok {
			out = append(out, sp)
		}
		start, i = next, next
	}
	if sp, ok := trimmed(text, start, len(text)); ok {
		out = append(out, sp)
	}
	return out
}

// sentences: 终止符（. ! ? …）后可跟闭合引号/括号，再跟空白即为边界；
// CJK 终止符（。！？）无需空白；段内换行也视为边界。
func sentences(text string, p span) []span {
	var out []span
	add := func(s, e int) {
		if sp, ok := trimmed(text, s, e); ok {
			out = append(out, sp)
		}
	}
	start, i := p.s, p.s
	for i < p.e {
		r, w := utf8.DecodeRuneInString(text[i:p.e])
		j := i + w
		switch {
		case r == '\n':
			add(start, i)
			start = j
		case isTerminal(r) || isCJKTerminal(r):
			for j < p.e {
				r2, w2 := utf8.DecodeRuneInString(text[j:p.e])
				if !isTerminal(r2) && !isCJKTerminal(r2) && !isCloser(r2) {
					break
				}
				j += w2
			}
			if j < p.e {
				r2, _ := utf8.DecodeRuneInString(text[j:p.e])
				if isCJKTerminal(r) || unicode.IsSpace(r2) {
					add(start, j)
					start = j
				}
			}
		}
		i = j
	}
	add(start, p.e)
	return out
}

// words: 以空白分隔；CJK 字符（含全角标点）各自成单元，可在其两侧断开。
func words(text string, sn span) []span {
	var out []span
	for i := sn.s; i < sn.e; {
		r, w := utf8.DecodeRuneInString(text[i:sn.e])
		switch {
		case unicode.IsSpace(r):
			i += w
		case isCJK(r):
			out = append(out, span{i, i + w})
			i += w
		default:
			j := i + w
			for j < sn.e {
				r2, w2 := utf8.DecodeRuneInString(text[j:sn.e])
				if unicode.IsSpace(r2) || isCJK(r2) {
					break
				}
				j += w2
			}
			out = append(out, span{i, j})
			i = j
		}
	}
	return out
}

func isTerminal(r rune) bool { return r == '.' || r == '!' || r == '?' || r == '…' }

func isCJKTerminal(r rune) bool { return r == '。' || r == '！' || r == '？' }

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’', '」', '』', '）', '】', '》':
		return true
	}
	return false
}

func isCJK(r rune) bool {
	switch {
	case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
		return true
	case r >= 0x3000 && r <= 0x303F: // CJK 符号与标点
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // 全角/半角形式
		return true
	}
	return false
}
