package paragraph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"pgregory.net/rapid"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

func texts(t *testing.T, src string, max int) []string {
	t.Helper()
	jobs, err := New().Segment(context.Background(), src, max)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	out := make([]string, len(jobs))
	for i, j := range jobs {
		if j.Index != i {
			t.Fatalf("Index 不连续: %d at %d", j.Index, i)
		}
		out[i] = j.Text
	}
	return out
}

func eq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UT-SEG-01: 表驱动场景
func TestSegmentCases(t *testing.T) {
	cases := []struct {
		name string
		src  string
		max  int
		want []string
	}{
		{"三句一块", "A. B. C.", 100, []string{"A. B. C."}},
		{"一句一块", "A. B. C.", 2, []string{"A.", "B.", "C."}},
		{"段落贪心合并", "one\n\ntwo\n\nthree", 10, []string{"one\n\ntwo", "three"}},
		{"CRLF 与行尾空白", "  one  \r\n\r\ntwo\t\r\n", 100, []string{"one\n\ntwo"}},
		{"超限段落按句切", "Hi there. How are you? Fine!", 12, []string{"Hi there.", "How are you?", "Fine!"}},
		{"闭合引号", `He said "stop." Then left.`, 15, []string{`He said "stop."`, "Then left."}},
		{"超限句按词切", "alpha beta gamma delta", 11, []string{"alpha beta", "gamma delta"}},
		{"单词超限原样输出", "supercalifragilistic ok", 5, []string{"supercalifragilistic", "ok"}},
		{"CJK 句界无需空白", "今天下雨。明天晴天。", 5, []string{"今天下雨。", "明天晴天。"}},
		{"CJK 长句按字切", "一二三四五六七", 3, []string{"一二三", "四五六", "七"}},
		{"段内换行为句界", "line one\nline two", 9, []string{"line one", "line two"}},
		{"小数点不是句界", "Pi is 3.14 ok. Yes.", 14, []string{"Pi is 3.14 ok.", "Yes."}},
		{"纯空白", " \n\t\r\n ", 10, nil},
		{"空串", "", 10, nil},
	}
	for _, c := range cases {
		got := texts(t, c.src, c.max)
		if !eq(got, c.want) {
			t.Fatalf("%s: got %q want %q", c.name, got, c.want)
		}
	}
}

// UT-SEG-02: 非法 maxChunkSize 与取消
func TestSegmentInvalid(t *testing.T) {
	if _, err := New().Segment(context.Background(), "x", 0); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("应为 ErrInvalidInput, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Segment(ctx, "x", 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("\r\n a  \r b\t\n\n"); got != "a\n b" {
		t.Fatalf("got %q", got)
	}
}

var pieces = []string{
	"word", "Lorem", "ipsum", "x", "tremendously-long-token", "3.14",
	" ", " ", "  ", "\n", "\n\n", "\r\n", "\t",
	". ", "! ", "? ", "… ", ".\" ", ")",
	"漢字", "测试", "。", "！", "，", "かな",
}

func genText() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		parts := rapid.SliceOfN(rapid.SampledFrom(pieces), 0, 80).Draw(t, "parts")
		return strings.Join(parts, "")
	})
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// 性质：上界、子串顺序、去空白后可重建、幂等
func TestSegmentProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := genText().Draw(t, "src")
		max := rapid.IntRange(1, 40).Draw(t, "max")
		seg := New()
		jobs, err := seg.Segment(context.Background(), src, max)
		if err != nil {
			t.Fatalf("segment: %v", err)
		}
		norm := Normalize(src)

		pos := 0
		var joined strings.Builder
		for i, j := range jobs {
			if j.Index != i {
				t.Fatalf("Index 不连续")
			}
			if strings.TrimSpace(j.Text) == "" {
				t.Fatalf("不得产生纯空白块")
			}
			if n := utf8.RuneCountInString(j.Text); n > max && strings.ContainsFunc(j.Text, unicode.IsSpace) {
				t.Fatalf("超限块 %q (%d > %d) 不是单个词", j.Text, n, max)
			}
			k := strings.Index(norm[pos:], j.Text)
			if k < 0 {
				t.Fatalf("块 %q 不是归一化文本在 %d 之后的子串", j.Text, pos)
			}
			if strings.TrimSpace(norm[pos:pos+k]) != "" {
				t.Fatalf("块之间只能是空白: %q", norm[pos:pos+k])
			}
			pos += k + len(j.Text)
			joined.WriteString(j.Text)
		}
		if strings.TrimSpace(norm[pos:]) != "" {
			t.Fatalf("尾部内容丢失: %q", norm[pos:])
		}
		if stripSpace(joined.String()) != stripSpace(norm) {
			t.Fatalf("无法重建源文")
		}

		again, _ := seg.Segment(context.Background(), src, max)
		if len(again) != len(jobs) {
			t.Fatalf("非幂等")
		}
		for i := range again {
			if again[i] != jobs[i] {
				t.Fatalf("非幂等: %q vs %q", again[i].Text, jobs[i].Text)
			}
		}
	})
}
