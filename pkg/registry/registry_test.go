package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/transport/flaky"
	"github.com/asyncd1spatch/telocity-sub001/plugins/transport/mock"
)

// UT-REG-01: 严格解码
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`null`), &o); err != nil || o.A != 0 {
		t.Fatalf("null 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o)
	if !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("未知字段应报 ErrInvalidConfig, got %v", err)
	}
}

// UT-REG-02: 方言注册表覆盖三种方言，且名称一致
func TestDialects(t *testing.T) {
	want := []string{"chat", "legacy", "responses"}
	got := Names(Dialect)
	if len(got) != len(want) {
		t.Fatalf("方言集合不符: %v", got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("方言集合不符: %v", got)
		}
		d, err := Dialect[name](true)
		if err != nil || d.Name() != name {
			t.Fatalf("%s: 构造失败或名称不符: %v", name, err)
		}
		if d.EndpointPath() == "" {
			t.Fatalf("%s: 缺少默认路径", name)
		}
	}
}

// UT-REG-03: 分段器与传输层工厂
func TestFactories(t *testing.T) {
	t.Run("segmenter", func(t *testing.T) {
		if _, err := Segmenter["paragraph"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("segmenter: %v", err)
		}
		if _, err := Segmenter["paragraph"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("segmenter 未对未知字段报错")
		}
	})
	t.Run("http", func(t *testing.T) {
		rt, err := Transport["http"](nil)
		if err != nil || rt != nil {
			t.Fatalf("http 应返回默认传输(nil): %v %v", rt, err)
		}
	})
	t.Run("mock", func(t *testing.T) {
		rt, err := Transport["mock"](json.RawMessage(`{"prefix":"T"}`))
		if err != nil {
			t.Fatalf("mock: %v", err)
		}
		m, ok := rt.(*mock.Transport)
		if !ok || m.Reply("x") != "T: x" {
			t.Fatalf("mock 选项未生效: %#v", rt)
		}
	})
	t.Run("flaky", func(t *testing.T) {
		rt, err := Transport["flaky"](json.RawMessage(`{"failures":3,"mock":{"prefix":"F"}}`))
		if err != nil {
			t.Fatalf("flaky: %v", err)
		}
		if _, ok := rt.(*flaky.Transport); !ok {
			t.Fatalf("flaky 类型不符: %T", rt)
		}
		if _, err := Transport["flaky"](json.RawMessage(`{"inner":"grpc"}`)); !errors.Is(err, contract.ErrInvalidConfig) {
			t.Fatalf("未知 inner 应报错: %v", err)
		}
		if _, err := Transport["flaky"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("flaky 未对未知字段报错")
		}
	})
}
