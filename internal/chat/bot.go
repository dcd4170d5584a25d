package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/clog"
)

const (
	RoleResearch     = "research"
	RoleOrchestrator = "orchestrator"
)

const helpText = `Commands:
/task <title> - create a task for this bot
/status - list the tasks created from this chat
/help - show this message`

const researchHint = "I only take work through /task <title>. Send /help for the command list."

const conversationPrompt = `You are the chat front-end of an autonomous task agent that processes files, runs shell commands and splits large jobs into subtasks.
Answer briefly and plainly. When the user asks for real work to be done, tell them to send it with /task <title>.`

type Tasks interface {
	CreateTask(ctx context.Context, nt taskapi.NewTask) (*taskapi.Task, error)
	GetTask(ctx context.Context, id string) (*taskapi.Task, error)
	ListComments(ctx context.Context, taskID string) ([]taskapi.Comment, error)
}

type Config struct {
	// ChatID is the only chat served. Messages from other chats are dropped.
	ChatID int64
	BotID  string
	Role   string
}

type Bot struct {
	cfg       Config
	transport Transport
	api       Tasks
	llm       llm.Client
	tracker   *Tracker
}

// NewBot builds the chat front-end. client may be nil, in which case free
// text always gets the usage hint.
func NewBot(cfg Config, transport Transport, api Tasks, client llm.Client, tracker *Tracker) *Bot {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Bot{cfg: cfg, transport: transport, api: api, llm: client, tracker: tracker}
}

func (b *Bot) Tracker() *Tracker {
	return b.tracker
}

// Run long-polls the transport until ctx is done. Transport errors back off
// exponentially and never end the loop.
func (b *Bot) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	var offset int64
	slog.InfoContext(ctx, "chat front-end started", "chat_id", b.cfg.ChatID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := b.transport.Updates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			slog.WarnContext(ctx, "failed to fetch chat updates", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		for _, u := range updates {
			offset = max(offset, u.ID+1)
			b.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate answers one incoming message.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) {
	if u.Text == "" {
		return
	}
	if u.ChatID != b.cfg.ChatID {
		slog.WarnContext(ctx, "ignoring message from unauthorized chat", "chat_id", u.ChatID, "from", u.From)
		return
	}
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttribute(ctx, "chat_id", u.ChatID)

	reply := b.reply(ctx, u)
	if reply == "" {
		return
	}
	if err := b.transport.Send(ctx, u.ChatID, reply); err != nil {
		slog.ErrorContext(ctx, "failed to send chat reply", "error", err)
	}
}

func (b *Bot) reply(ctx context.Context, u Update) string {
	cmd, arg := parseCommand(u.Text)
	switch cmd {
	case "/task":
		return b.createTask(ctx, u.ChatID, arg)
	case "/status":
		return b.status(ctx)
	case "/help", "/start":
		return helpText
	case "":
		return b.converse(ctx, u.Text)
	default:
		return fmt.Sprintf("Unknown command %s.\n\n%s", cmd, helpText)
	}
}

// parseCommand splits "/cmd@botname rest" into "/cmd" and "rest". Text that
// is not a command yields an empty command.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (b *Bot) createTask(ctx context.Context, chatID int64, title string) string {
	if title == "" {
		return "Usage: /task <title>"
	}
	// The first line is the title; anything after it is the description.
	title, description, _ := strings.Cut(title, "\n")
	t, err := b.api.CreateTask(ctx, taskapi.NewTask{
		Title:           strings.TrimSpace(title),
		Description:     strings.TrimSpace(description),
		AssignedToBotID: b.cfg.BotID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create task from chat", "error", err)
		return "Could not create the task. Please try again later."
	}
	b.tracker.Track(t.ID, chatID)
	slog.InfoContext(ctx, "created task from chat", clog.TaskAttributeKey, t.ID)
	return fmt.Sprintf("Created task %q (%s). I will message you when it is done.", t.Title, t.ID)
}

func (b *Bot) status(ctx context.Context) string {
	tracked := b.tracker.Snapshot()
	if len(tracked) == 0 {
		return "No tracked tasks."
	}
	var sb strings.Builder
	sb.WriteString("Tracked tasks:\n")
	for _, id := range sortedKeys(tracked) {
		t, err := b.api.GetTask(ctx, id)
		if err != nil {
			if taskapi.IsNotFound(err) {
				b.tracker.Untrack(id)
			}
			fmt.Fprintf(&sb, "- %s: unavailable\n", id)
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s %d%%\n", t.Title, t.Status, t.Progress)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) converse(ctx context.Context, text string) string {
	if b.cfg.Role != RoleOrchestrator || b.llm == nil {
		return researchHint
	}
	resp, err := b.llm.Chat(ctx, llm.ChatRequest{
		Messages:  []llm.Message{llm.SystemMessage(conversationPrompt), llm.UserMessage(text)},
		MaxTokens: 1024,
	})
	if err != nil {
		slog.WarnContext(ctx, "chat reply failed", "error", err)
		var se *llm.StatusError
		if errors.As(err, &se) && se.Retryable() {
			return "I am overloaded right now. Please try again in a minute."
		}
		return "Sorry, I could not answer that."
	}
	if reply := strings.TrimSpace(resp.Content); reply != "" {
		return reply
	}
	return "Sorry, I could not answer that."
}
