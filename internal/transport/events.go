package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// ReadEvents 逐个产出响应中的事件载荷（JSON 文本）。支持三种形态：
//   - SSE：`data:` 行（多行 data 以 \n 拼接，空行分隔事件），`[DONE]` 终止；
//   - NDJSON：每行一个 JSON 值；
//   - 单个 JSON 响应体（非流式）。
//
// yield 返回错误时立即停止并原样返回。一个事件也没有时返回 ErrResponseInvalid。
func ReadEvents(ctx context.Context, r io.Reader, yield func(data []byte) error) error {
	br := bufio.NewReaderSize(r, 64<<10)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("transport: empty body: %w", contract.ErrResponseInvalid)
		}
		return err
	}
	n := 0
	counted := func(b []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		return yield(b)
	}
	if first == '{' || first == '[' {
		err = readJSONValues(br, counted)
	} else {
		err = readSSE(br, counted)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transport: no events: %w", contract.ErrResponseInvalid)
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// readJSONValues: 单个 JSON 或 NDJSON，逐值解码。
func readJSONValues(br *bufio.Reader, yield func([]byte) error) error {
	dec := json.NewDecoder(br)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var se *json.SyntaxError
			if errors.As(err, &se) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("transport: decode: %v: %w", err, contract.ErrResponseInvalid)
			}
			return err
		}
		if err := yield(raw); err != nil {
			return err
		}
	}
}

func readSSE(br *bufio.Reader, yield func([]byte) error) error {
	var data bytes.Buffer
	has := false
	flush := func() (bool, error) {
		if !has {
			return false, nil
		}
		payload := bytes.TrimSpace(data.Bytes())
		data.Reset()
		has = false
		if string(payload) == "[DONE]" {
			return true, nil
		}
		if len(payload) == 0 {
			return false, nil
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return false, yield(cp)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "":
			if done, ferr := flush(); ferr != nil || done {
				return ferr
			}
		case strings.HasPrefix(trimmed, "data:"):
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
			has = true
		case strings.HasPrefix(trimmed, ":"), strings.HasPrefix(trimmed, "event:"), strings.HasPrefix(trimmed, "id:"), strings.HasPrefix(trimmed, "retry:"):
			// 注释与元字段：事件类型由载荷自身的 type 字段给出
		default:
			return fmt.Errorf("transport: unexpected stream line %q: %w", clip(trimmed, 64), contract.ErrResponseInvalid)
		}
		if eof {
			_, ferr := flush()
			return ferr
		}
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
