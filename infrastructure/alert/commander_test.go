package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nado-grid-bot/infrastructure/logger"
)

type stubController struct {
	mu      sync.Mutex
	paused  bool
	resumed bool
}

func (c *stubController) PauseTrading(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *stubController) ResumeTrading() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *stubController) StatusText() string  { return "State: RUNNING" }
func (c *stubController) BalanceText() string { return "Equity: $10000.00" }
func (c *stubController) HealthText() string  { return "Healthy: true" }

func (c *stubController) state() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.resumed
}

// telegramStub 先下发一批更新，之后的getUpdates短暂休眠后返回空集；
// hang模式下则挂住请求直到客户端断开，模拟真实长轮询
type telegramStub struct {
	mu      sync.Mutex
	updates []tgUpdate
	hang    bool
	served  bool
	replies []string
}

func (s *telegramStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			s.mu.Lock()
			var batch []tgUpdate
			if !s.served {
				batch = s.updates
				s.served = true
			}
			s.mu.Unlock()
			if batch == nil {
				if s.hang {
					<-r.Context().Done()
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
			json.NewEncoder(w).Encode(tgUpdatesResponse{OK: true, Result: batch})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.replies = append(s.replies, body["text"])
			s.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *telegramStub) sentReplies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replies...)
}

func update(id int64, chatID int64, text string) tgUpdate {
	u := tgUpdate{UpdateID: id}
	u.Message = &struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	}{}
	u.Message.Text = text
	u.Message.Chat.ID = chatID
	return u
}

func newTestCommander(t *testing.T, stub *telegramStub, ctrl BotController) *Commander {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	ch := NewTelegramChannel("telegram", "token", "42")
	ch.apiURL = srv.URL
	ch.client = srv.Client()

	c := NewCommander(ch, ctrl, logger.Nop())
	c.pollTimeout = time.Second
	return c
}

func TestCommanderDispatchesCommands(t *testing.T) {
	ctrl := &stubController{}
	stub := &telegramStub{updates: []tgUpdate{
		update(1, 42, "/status"),
		update(2, 42, "/stop"),
		update(3, 42, "/start"),
	}}
	c := newTestCommander(t, stub, ctrl)

	c.Start()
	require.Eventually(t, func() bool {
		return len(stub.sentReplies()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	paused, resumed := ctrl.state()
	assert.True(t, paused)
	assert.True(t, resumed)
	assert.Contains(t, stub.sentReplies()[0], "RUNNING")
	// 偏移量推进到最后一条之后
	assert.Equal(t, int64(4), c.offset)
}

func TestCommanderIgnoresForeignChatAndUnknown(t *testing.T) {
	ctrl := &stubController{}
	stub := &telegramStub{updates: []tgUpdate{
		update(1, 999, "/stop"),  // 其他chat
		update(2, 42, "hello"),   // 非指令
		update(3, 42, "/health"), // 唯一应答
	}}
	c := newTestCommander(t, stub, ctrl)

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(stub.sentReplies()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	paused, _ := ctrl.state()
	assert.False(t, paused)
	assert.Contains(t, stub.sentReplies()[0], "Healthy")
}

func TestCommanderStopInterruptsLongPoll(t *testing.T) {
	ctrl := &stubController{}
	stub := &telegramStub{hang: true}
	c := newTestCommander(t, stub, ctrl)
	c.pollTimeout = 30 * time.Second

	c.Start()
	time.Sleep(50 * time.Millisecond)

	// Stop必须打断挂起的getUpdates，不能等轮询超时
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the in-flight poll")
	}
}
