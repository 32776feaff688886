package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncd1spatch/telocity-sub001/internal/transport"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/chat"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/legacy"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/responses"
)

// roundTrip 走完整链路：方言构造请求 → mock → 事件读取 → 方言解析，返回正文与推理文本。
func roundTrip(t *testing.T, rt *Transport, d contract.Dialect, stream bool, prompt string) (string, string) {
	t.Helper()
	c, err := transport.New(transport.Options{BaseURL: "http://mock.local/v1"}, d.EndpointPath(), rt)
	require.NoError(t, err)
	body, err := d.BuildPayload(contract.Exchange{Model: "m", System: "sys", Prompt: prompt, Stream: stream, Replay: contract.ReplayEncrypted})
	require.NoError(t, err)
	rc, err := c.Post(context.Background(), body, stream)
	require.NoError(t, err)
	defer rc.Close()

	var text, thought strings.Builder
	err = transport.ReadEvents(context.Background(), rc, func(data []byte) error {
		ds, err := d.ParseChunk(data)
		if err != nil {
			return err
		}
		for _, dl := range ds {
			switch dl.Kind {
			case contract.KindDelta:
				text.WriteString(dl.Text)
			case contract.KindOutput:
				text.Reset()
				text.WriteString(dl.Text)
			case contract.KindConditional:
				thought.WriteString(dl.Text)
			}
		}
		return nil
	})
	require.NoError(t, err)
	return text.String(), thought.String()
}

func TestEchoPerDialect(t *testing.T) {
	prompt := "Translate into French:\n\nhello big world"
	for _, stream := range []bool{true, false} {
		rt := New(nil)
		got, _ := roundTrip(t, rt, chat.New(), stream, prompt)
		assert.Equal(t, "MOCK: "+prompt, got, "chat stream=%v", stream)

		got, _ = roundTrip(t, rt, responses.New(), stream, prompt)
		assert.Equal(t, "MOCK: "+prompt, got, "responses stream=%v", stream)

		got, _ = roundTrip(t, rt, legacy.New(stream), stream, prompt)
		assert.Equal(t, "MOCK: sys\n\n"+prompt, got, "legacy stream=%v", stream)
		assert.Equal(t, int64(3), rt.Calls())
	}
}

func TestReasoningOutput(t *testing.T) {
	rt := New(&Options{Prefix: "R", Reasoning: true})
	got, thought := roundTrip(t, rt, chat.New(), true, "x")
	assert.Equal(t, "R: x", got)
	assert.Equal(t, "mock reasoning", thought)

	got, thought = roundTrip(t, rt, responses.New(), true, "y")
	assert.Equal(t, "R: y", got)
	assert.Equal(t, "mock summary", thought)
}

func TestLatencyHonoursContext(t *testing.T) {
	rt := New(&Options{Latency: time.Second})
	c, err := transport.New(transport.Options{BaseURL: "http://mock.local"}, "/chat/completions", rt)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Post(ctx, []byte(`{"stream":false}`), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPieces(t *testing.T) {
	for _, s := range []string{"", "a", "a b", " lead", "x\ny z "} {
		assert.Equal(t, s, strings.Join(pieces(s), ""))
	}
}
