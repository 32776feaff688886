package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

// BenchmarkWriteAtomic 不同输入尺寸下的原子写入性能。
func BenchmarkWriteAtomic(b *testing.B) {
	for _, sz := range []int{1024, 1024 * 1024} {
		b.Run(fmt.Sprintf("size=%d", sz), func(b *testing.B) {
			data := bytes.Repeat([]byte("a"), sz)
			dest := filepath.Join(b.TempDir(), "out.txt")
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := WriteAtomic(ctx, dest, bytes.NewReader(data), nil); err != nil {
					b.Fatalf("写入失败: %v", err)
				}
			}
		})
	}
}
