package taskapi

// Task lifecycle events published to webhook subscribers.
const (
	EventTaskClaimed   = "task.claimed"
	EventTaskReview    = "task.review"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskRework    = "task.rework"
)

// EventData is the payload carried by lifecycle events.
type EventData struct {
	TaskID   string `json:"taskId"`
	Title    string `json:"title"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	BotID    string `json:"botId,omitempty"`
	Message  string `json:"message,omitempty"`
}

func NewEventData(t *Task, botID, message string) EventData {
	return EventData{
		TaskID:   t.ID,
		Title:    t.Title,
		Status:   t.Status,
		Progress: t.Progress,
		BotID:    botID,
		Message:  message,
	}
}
