package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// UT-CON-01: 哨兵错误可被包裹后识别
func TestSentinelWrap(t *testing.T) {
	err := fmt.Errorf("executor: chunk 3: %w", ErrRetriesExhausted)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("errors.Is 失败")
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatalf("不应匹配其它哨兵")
	}
}

// UT-CON-02: ReasoningState 空判定与指针工具
func TestReasoningStateEmpty(t *testing.T) {
	var s ReasoningState
	if !s.Empty() {
		t.Fatalf("零值应为空")
	}
	if StrPtr("") != nil {
		t.Fatalf("空串应返回 nil")
	}
	s.Summary = StrPtr("sum")
	if s.Empty() || StrVal(s.Summary) != "sum" || StrVal(nil) != "" {
		t.Fatalf("unexpected state %+v", s)
	}
}

// UT-CON-03: Param 序列化字段名（配置与进度文件依赖）
func TestParamsJSONShape(t *testing.T) {
	p := Params{Temperature: On(0.3), Seed: Param[int]{Value: 7}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["temperature"]["enabled"] != true || m["temperature"]["value"] != 0.3 {
		t.Fatalf("temperature 形状错误: %s", b)
	}
	if m["seed"]["enabled"] != false {
		t.Fatalf("seed 应未启用: %s", b)
	}
	if _, ok := m["top_p"]; !ok {
		t.Fatalf("缺少 top_p: %s", b)
	}
}

// UT-CON-04: 种类字符串与透传判定
func TestDeltaKindAndPassthrough(t *testing.T) {
	if KindDelta.String() != "delta" || KindOutput.String() != "output" || KindConditional.String() != "conditional" || DeltaKind(9).String() != "unknown" {
		t.Fatalf("DeltaKind.String 错误")
	}
	if !(OutputItem{Type: ItemFunctionCall}).Passthrough() || (OutputItem{Type: ItemReasoning}).Passthrough() {
		t.Fatalf("Passthrough 判定错误")
	}
}

// UT-CON-05: 未启用参数不产生指针
func TestParamPtr(t *testing.T) {
	if (Param[float64]{Value: 1}).Ptr() != nil {
		t.Fatalf("未启用应为 nil")
	}
	if p := On(3).Ptr(); p == nil || *p != 3 {
		t.Fatalf("启用应返回值指针")
	}
}

// UT-CON-06: Truncate 按字节上限截断并回退到 rune 边界
func TestTruncateRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
		cut  bool
	}{
		{"abc", 5, "abc", false},
		{"abc", 3, "abc", false},
		{"abcdef", 4, "abcd", true},
		{"a限制", 2, "a", true},
		{"a限制", 4, "a限", true},
		{"限", 0, "", true},
		{"x", -1, "", true},
	}
	for _, c := range cases {
		got, cut := Truncate(c.in, c.n)
		if got != c.want || cut != c.cut {
			t.Fatalf("Truncate(%q,%d)=(%q,%v), want (%q,%v)", c.in, c.n, got, cut, c.want, c.cut)
		}
	}
	long := strings.Repeat("é", 300)
	for n := 0; n < 40; n++ {
		got, _ := Truncate(long, n)
		if !utf8.ValidString(got) || len(got) > n {
			t.Fatalf("n=%d 截断结果非法: %q", n, got)
		}
	}
}
