// Package progress 持久化可续传检查点：已落盘的最后块序号 + 影响输出的配置指纹。
package progress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/internal/diag"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/writer/filesystem"
)

// Snapshot: 参与指纹的配置字段（影响输出确定性的部分）。
type Snapshot struct {
	Model           string                  `json:"model"`
	Dialect         string                  `json:"dialect"`
	Mode            string                  `json:"mode"`
	SystemPrompt    string                  `json:"systemPrompt"`
	PromptPrefix    string                  `json:"promptPrefix"`
	SourceLanguage  string                  `json:"sourceLanguage"`
	TargetLanguage  string                  `json:"targetLanguage"`
	ChunkSize       int                     `json:"chunkSize"`
	Temperature     contract.Param[float64] `json:"temperature"`
	TopP            contract.Param[float64] `json:"topP"`
	TopK            contract.Param[int]     `json:"topK"`
	PresencePenalty contract.Param[float64] `json:"presencePenalty"`
	Seed            contract.Param[int]     `json:"seed"`
	MaxOutputTokens contract.Param[int]     `json:"maxOutputTokens"`
	ReasoningEffort contract.Param[string]  `json:"reasoningEffort"`
}

// Fingerprint: 规范 JSON 的 sha256（hex）。字段顺序由结构体固定。
func Fingerprint(s Snapshot) string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// State: 进度文件内容。快照字段平铺在顶层。
type State struct {
	Snapshot
	FileName    string `json:"fileName"`
	LastIndex   int    `json:"lastIndex"` // -1 表示尚无已提交块
	TargetBytes int64  `json:"targetBytes"`
	Fingerprint string `json:"fingerprint"`
	UpdatedAt   string `json:"updatedAt"`
}

// NewState 构造初始状态（lastIndex=-1）。
func NewState(snap Snapshot, fileName string) State {
	return State{Snapshot: snap, FileName: fileName, LastIndex: -1, Fingerprint: Fingerprint(snap)}
}

// PathFor: 目标文件旁的进度文件路径。
func PathFor(target string) string { return target + ".progress.json" }

// Check 比较已保存状态与当前调用。不一致返回 ErrStaleProgress 并列出差异字段。
func Check(saved State, snap Snapshot, fileName string) error {
	var diffs []string
	if saved.FileName != fileName {
		diffs = append(diffs, "fileName")
	}
	if saved.Fingerprint != Fingerprint(snap) {
		fields := diffFields(saved.Snapshot, snap)
		if len(fields) == 0 {
			fields = []string{"fingerprint"}
		}
		diffs = append(diffs, fields...)
	}
	if len(diffs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: progress was saved under different settings (%s); remove the progress file or restore the settings", contract.ErrStaleProgress, strings.Join(diffs, ", "))
}

func diffFields(a, b Snapshot) []string {
	ma, mb := fieldMap(a), fieldMap(b)
	var out []string
	for k, va := range ma {
		if !bytes.Equal(va, mb[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func fieldMap(s Snapshot) map[string]json.RawMessage {
	b, _ := json.Marshal(s)
	m := map[string]json.RawMessage{}
	_ = json.Unmarshal(b, &m)
	return m
}

// Store: 单个进度文件的读写。Commit 实现 contract.Checkpointer。
type Store struct {
	path string
	log  *diag.Logger
	now  func() time.Time

	mu   sync.Mutex
	base State
}

func NewStore(path string, logger *diag.Logger) *Store {
	return &Store{path: path, log: logger, now: time.Now}
}

func (s *Store) Path() string { return s.path }

// Load 读取进度文件；不存在返回 (State{}, false, nil)。不可解析视为 ErrStaleProgress。
func (s *Store) Load() (State, bool, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var st State
	if err := dec.Decode(&st); err != nil {
		return State{}, true, fmt.Errorf("%w: unreadable progress file %s: %v", contract.ErrStaleProgress, s.path, err)
	}
	if st.LastIndex < -1 || st.TargetBytes < 0 {
		return State{}, true, fmt.Errorf("%w: progress file %s has lastIndex=%d targetBytes=%d", contract.ErrStaleProgress, s.path, st.LastIndex, st.TargetBytes)
	}
	s.mu.Lock()
	s.base = st
	s.mu.Unlock()
	return st, true, nil
}

// Save 原子写入完整状态，并作为后续 Commit 的基线。
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

// save: 调用方持锁
func (s *Store) save(st State) error {
	st.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := filesystem.WriteAtomic(context.Background(), s.path, bytes.NewReader(b), &filesystem.Options{PermFile: 0o644}); err != nil {
		s.log.ErrorWith("progress", string(diag.Classify(err)), "save failed: "+err.Error(), nil, "", fmt.Sprint(st.LastIndex))
		return fmt.Errorf("progress: save %s: %w", s.path, err)
	}
	s.base = st
	return nil
}

// Commit: 装配器每推进一次连续前缀调用一次。lastIndex 不得回退。
func (s *Store) Commit(lastIndex int, targetBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastIndex < s.base.LastIndex {
		return fmt.Errorf("%w: progress regress %d -> %d", contract.ErrInvariantViolation, s.base.LastIndex, lastIndex)
	}
	st := s.base
	st.LastIndex = lastIndex
	st.TargetBytes = targetBytes
	if err := s.save(st); err != nil {
		return err
	}
	s.log.Debug("progress", "commit", "checkpoint", "", fmt.Sprint(lastIndex), map[string]string{"target_bytes": fmt.Sprint(targetBytes)})
	return nil
}

// Remove 删除进度文件；不存在不算错误。
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("progress: remove %s: %w", s.path, err)
	}
	return nil
}

var _ contract.Checkpointer = (*Store)(nil)
