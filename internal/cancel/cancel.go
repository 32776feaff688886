// Package cancel 提供作业级三态取消信号（none/requested/forceful）与活动作业槽位。
package cancel

import (
	"sync"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// State: 取消状态，只进不退。
type State int32

const (
	None State = iota
	Requested
	Forceful
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Requested:
		return "requested"
	case Forceful:
		return "forceful"
	}
	return "unknown"
}

// Controller: 单作业的取消控制器，并发安全。
// Requested(): 调度器停止接纳新块，在途块正常完成并提交。
// Forceful(): 在途请求立即中止，结果丢弃。
type Controller struct {
	mu        sync.Mutex
	state     State
	requested chan struct{}
	forceful  chan struct{}
}

func NewController() *Controller {
	return &Controller{
		requested: make(chan struct{}),
		forceful:  make(chan struct{}),
	}
}

// Cancel 前进一步：none→requested→forceful；已是 forceful 时无操作。
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < Forceful {
		c.enter(c.state + 1)
	}
}

// Escalate 直接推进到 s（不会回退）。
func (c *Controller) Escalate(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state < s && c.state < Forceful {
		c.enter(c.state + 1)
	}
}

// enter: 调用方持锁
func (c *Controller) enter(s State) {
	c.state = s
	switch s {
	case Requested:
		close(c.requested)
	case Forceful:
		close(c.forceful)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Requested 在进入 requested（或更高）时关闭。
func (c *Controller) Requested() <-chan struct{} { return c.requested }

// Forceful 在进入 forceful 时关闭。
func (c *Controller) Forceful() <-chan struct{} { return c.forceful }

// Slot: 活动作业槽位。作业开始时 Set，结束时调用 Set 返回的释放函数；信号处理器调用 Cancel。
// 显式传入引擎入口，不做全局单例。
type Slot struct {
	mu  sync.Mutex
	job contract.CancellableJob
}

// Set 登记活动作业，返回对应的释放函数（仅当槽位仍是该作业时才清空）。
func (s *Slot) Set(j contract.CancellableJob) (release func()) {
	s.mu.Lock()
	s.job = j
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.job == j {
			s.job = nil
		}
		s.mu.Unlock()
	}
}

// Active 返回当前作业（可能为 nil）。
func (s *Slot) Active() contract.CancellableJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Cancel 转发给活动作业；无作业时返回 false。
func (s *Slot) Cancel() bool {
	j := s.Active()
	if j == nil {
		return false
	}
	j.Cancel()
	return true
}
