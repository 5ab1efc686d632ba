package room

// Outbound event names.
const (
	EventJoinedChat        = "joined_chat"
	EventMessageReceived   = "message_received"
	EventAITyping          = "ai_typing"
	EventAIResponseStart   = "ai_response_start"
	EventAIResponseChunk   = "ai_response_chunk"
	EventAIResponseEnd     = "ai_response_end"
	EventAIStoppedTyping   = "ai_stopped_typing"
	EventRatingSaved       = "rating_saved"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
)

// Inbound event names.
const (
	EventJoinChat          = "join_chat"
	EventSendMessage       = "send_message"
	EventSendQuickQuestion = "send_quick_question"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventRateChat          = "rate_chat"
)

// Event is one frame delivered to a connection.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Data: ErrorPayload{Message: msg}}
}
