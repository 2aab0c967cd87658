package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// BotController 运行中机器人的远程控制面
type BotController interface {
	PauseTrading(reason string) error
	ResumeTrading() error
	StatusText() string
	BalanceText() string
	HealthText() string
}

// Commander 通过Telegram getUpdates长轮询接收运营指令。
// 只响应配置的chat ID，其余消息忽略。
type Commander struct {
	channel    *TelegramChannel
	controller BotController
	log        *logger.Logger

	pollTimeout time.Duration
	offset      int64

	// Stop通过取消该上下文打断在途的getUpdates长轮询
	pollCtx    context.Context
	pollCancel context.CancelFunc

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCommander 创建指令监听器
func NewCommander(channel *TelegramChannel, controller BotController, log *logger.Logger) *Commander {
	ctx, cancel := context.WithCancel(context.Background())
	return &Commander{
		channel:     channel,
		controller:  controller,
		log:         log,
		pollTimeout: 30 * time.Second,
		pollCtx:     ctx,
		pollCancel:  cancel,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start 启动长轮询
func (c *Commander) Start() {
	go c.pollLoop()
}

// Stop 打断在途长轮询并等待退出
func (c *Commander) Stop() {
	c.pollCancel()
	close(c.stopChan)
	<-c.doneChan
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type tgUpdatesResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

func (c *Commander) pollLoop() {
	defer close(c.doneChan)

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		updates, err := c.fetchUpdates()
		if err != nil {
			if c.pollCtx.Err() != nil {
				return
			}
			c.log.Warn("Telegram poll failed", zap.Error(err))
			select {
			case <-c.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			c.handleUpdate(u)
		}
	}
}

func (c *Commander) fetchUpdates() ([]tgUpdate, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(c.offset, 10))
	q.Set("timeout", strconv.Itoa(int(c.pollTimeout.Seconds())))
	q.Set("allowed_updates", `["message"]`)

	reqURL := fmt.Sprintf("%s/bot%s/getUpdates?%s", c.channel.apiURL, c.channel.token, q.Encode())

	client := &http.Client{Timeout: c.pollTimeout + 10*time.Second}
	req, err := http.NewRequestWithContext(c.pollCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed tgUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram getUpdates returned not ok")
	}
	return parsed.Result, nil
}

func (c *Commander) handleUpdate(u tgUpdate) {
	if u.Message == nil {
		return
	}
	if strconv.FormatInt(u.Message.Chat.ID, 10) != c.channel.chatID {
		return
	}

	cmd := strings.ToLower(strings.TrimSpace(u.Message.Text))
	// 群内指令可能带@botname后缀
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	var reply string
	switch cmd {
	case "/status":
		reply = c.controller.StatusText()
	case "/balance":
		reply = c.controller.BalanceText()
	case "/health":
		reply = c.controller.HealthText()
	case "/stop":
		if err := c.controller.PauseTrading("operator command"); err != nil {
			reply = fmt.Sprintf("pause failed: %v", err)
		} else {
			reply = "Trading paused. All resting orders canceled."
		}
	case "/start":
		if err := c.controller.ResumeTrading(); err != nil {
			reply = fmt.Sprintf("resume failed: %v", err)
		} else {
			reply = "Trading resumed."
		}
	default:
		return
	}

	if err := c.channel.SendText(reply); err != nil {
		c.log.Warn("Telegram reply failed", zap.Error(err))
	}
}
