package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/cluster"
	"github.com/praxisworks/praxis/internal/cron"
	"github.com/praxisworks/praxis/pkg/models"
)

// Execute runs one scheduled task; the Orchestrator is the scheduler's
// Runner. Reminders deliver their fixed text straight through the gateway;
// agent tasks run a full reasoning turn in the task's session and deliver
// the reply the same way.
func (o *Orchestrator) Execute(ctx context.Context, t *cron.Task) (string, error) {
	channel := models.ChannelType(t.ChannelID)
	if t.ChatID == "" {
		return "", fmt.Errorf("任务 %s 缺少会话信息", t.ID)
	}
	key := models.SessionKey(channel, t.ChatID, t.UserID)

	switch t.TaskType {
	case cron.TaskReminder:
		text := strings.TrimSpace(t.ReminderMessage)
		if text == "" {
			return "", fmt.Errorf("提醒任务 %s 没有提醒内容", t.ID)
		}
		if err := o.notify(ctx, key, text); err != nil {
			return "", err
		}
		o.recordAssistantTurn(channel, t.ChatID, t.UserID, text)
		return text, nil

	case cron.TaskAgent:
		prompt := strings.TrimSpace(t.Prompt)
		if prompt == "" {
			return "", fmt.Errorf("定时任务 %s 没有提示词", t.ID)
		}
		payload := &cluster.RequestPayload{
			SessionKey: key,
			Channel:    string(channel),
			ChatID:     t.ChatID,
			UserID:     t.UserID,
			Text:       prompt,
		}

		var reply string
		var err error
		if m := o.masterRef(); m != nil {
			reply, err = m.HandleRequest(ctx, payload)
		} else {
			reply, err = o.RunPayload(ctx, payload)
		}
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(reply) == "" {
			return "", nil
		}
		if err := o.notify(ctx, key, reply); err != nil {
			return reply, err
		}
		o.recordAssistantTurn(channel, t.ChatID, t.UserID, reply)
		return reply, nil

	default:
		return "", fmt.Errorf("未知的任务类型: %s", t.TaskType)
	}
}

// notify delivers proactive text through the gateway.
func (o *Orchestrator) notify(ctx context.Context, sessionKey, text string) error {
	g := o.gatewayRef()
	if g == nil {
		return fmt.Errorf("orchestrator: no gateway attached")
	}
	return g.NotifyUser(ctx, sessionKey, text)
}

// recordAssistantTurn stores a proactive message in the session transcript
// so the next conversation turn sees it.
func (o *Orchestrator) recordAssistantTurn(channel models.ChannelType, chatID, userID, text string) {
	sess := o.sessions.GetSession(channel, chatID, userID, true)
	o.sessions.AddMessage(sess, &models.Message{
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
}
