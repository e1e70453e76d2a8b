package receipt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-chatsync/internal/convstate"
	"go-chatsync/internal/models"
)

// manualScheduler 手工驱动去抖窗口，测试不依赖真实计时器。
type manualScheduler struct {
	mu   sync.Mutex
	jobs []*manualJob
}

type manualJob struct {
	fn       func()
	canceled bool
}

func (s *manualScheduler) schedule(_ time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	j := &manualJob{fn: fn}
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		j.canceled = true
		s.mu.Unlock()
	}
}

// fire 触发所有未取消的待触发任务；任务可能阻塞在网络上，故异步执行。
func (s *manualScheduler) fire() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()
	for _, j := range jobs {
		if !j.canceled {
			go j.fn()
		}
	}
}

type recordedCall struct {
	convID    string
	messageID string
}

type fakeReadAPI struct {
	mu     sync.Mutex
	calls  []recordedCall
	unread int
	gate   chan struct{} // 非 nil 时挂起请求
}

func (f *fakeReadAPI) MarkRead(ctx context.Context, convID, messageID string) (*models.ReadResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{convID, messageID})
	gate := f.gate
	unread := f.unread
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.ReadResult{UnreadCount: unread}, nil
}

func (f *fakeReadAPI) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newCoalescerForTest() (*Coalescer, *fakeReadAPI, *manualScheduler, *convstate.Store) {
	f := &fakeReadAPI{}
	sched := &manualScheduler{}
	store := convstate.NewStore()
	store.Ensure("c1")
	c := NewCoalescer(f, store, WithScheduler(sched.schedule))
	return c, f, sched, store
}

func TestRapidCallsCollapseToLatest(t *testing.T) {
	c, f, sched, _ := newCoalescerForTest()

	c.MarkRead("c1", "m1", 100)
	c.MarkRead("c1", "m2", 200)
	c.MarkRead("c1", "m3", 300)
	sched.fire()

	require.Eventually(t, func() bool { return len(f.recorded()) == 1 }, time.Second, time.Millisecond)
	calls := f.recorded()
	require.Len(t, calls, 1, "rapid calls must collapse into one request")
	require.Equal(t, "m3", calls[0].messageID)
}

func TestMonotonicGuardDropsStaleIntents(t *testing.T) {
	c, f, sched, _ := newCoalescerForTest()

	// [t3, t1, t2]：t1、t2 均不得进入网络
	c.MarkRead("c1", "m3", 300)
	c.MarkRead("c1", "m1", 100)
	c.MarkRead("c1", "m2", 200)
	sched.fire()

	require.Eventually(t, func() bool { return len(f.recorded()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "m3", f.recorded()[0].messageID)

	// 发出后更旧的意图依然被丢弃
	c.MarkRead("c1", "m2", 200)
	sched.fire()
	time.Sleep(10 * time.Millisecond)
	require.Len(t, f.recorded(), 1)
}

func TestGuardAgainstKnownReadCursor(t *testing.T) {
	c, f, sched, store := newCoalescerForTest()
	store.SetReadCursor("c1", "m5", 500, 0)

	c.MarkRead("c1", "m4", 400) // 不比已知游标新：整体丢弃
	sched.fire()
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, f.recorded())
}

func TestSupersededInflightIsCanceled(t *testing.T) {
	c, f, sched, _ := newCoalescerForTest()
	gate := make(chan struct{})
	f.gate = gate

	c.MarkRead("c1", "m1", 100)
	sched.fire() // m1 在途，被 gate 挂住
	require.Eventually(t, func() bool { return len(f.recorded()) == 1 }, time.Second, time.Millisecond)

	c.MarkRead("c1", "m2", 200)
	sched.fire() // 发 m2 前必须取消 m1

	close(gate)
	require.Eventually(t, func() bool { return len(f.recorded()) == 2 }, time.Second, time.Millisecond)
	calls := f.recorded()
	require.Equal(t, "m1", calls[0].messageID)
	require.Equal(t, "m2", calls[1].messageID)
}

func TestSuccessAdoptsServerUnread(t *testing.T) {
	c, f, sched, store := newCoalescerForTest()
	f.unread = 2

	c.MarkRead("c1", "m7", 700)
	sched.fire()

	require.Eventually(t, func() bool {
		snap, _ := store.Snapshot("c1")
		return snap.LastReadMessageID == "m7"
	}, time.Second, time.Millisecond)
	snap, _ := store.Snapshot("c1")
	require.Equal(t, int64(700), snap.LastReadAt)
	require.Equal(t, 2, snap.UnreadCount)
}

func TestIndependentConversations(t *testing.T) {
	c, f, sched, store := newCoalescerForTest()
	store.Ensure("c2")

	c.MarkRead("c1", "a1", 100)
	c.MarkRead("c2", "b1", 100)
	sched.fire()

	require.Eventually(t, func() bool { return len(f.recorded()) == 2 }, time.Second, time.Millisecond)
}
