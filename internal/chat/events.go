package chat

import "github.com/suPer8Hu/artifact-chat/internal/room"

type JoinedChatPayload struct {
	Session        *ChatSession `json:"session"`
	Artifact       Summary      `json:"artifact"`
	QuickQuestions []string     `json:"quickQuestions"`
}

type MessageReceivedPayload struct {
	Message         ChatMessage `json:"message"`
	IsQuickQuestion bool        `json:"isQuickQuestion"`
}

type ResponseStartPayload struct {
	MessageID string `json:"messageId"`
}

type ResponseChunkPayload struct {
	MessageID    string `json:"messageId"`
	Chunk        string `json:"chunk"`
	FullResponse string `json:"fullResponse"`
}

type ResponseEndPayload struct {
	MessageID    string `json:"messageId"`
	FullResponse string `json:"fullResponse"`
}

type RatingSavedPayload struct {
	Rating  Rating `json:"rating"`
	Comment string `json:"comment"`
}

func responseStart(id string) room.Event {
	return room.Event{Type: room.EventAIResponseStart, Data: ResponseStartPayload{MessageID: id}}
}

func responseChunk(id, chunk, full string) room.Event {
	return room.Event{Type: room.EventAIResponseChunk, Data: ResponseChunkPayload{MessageID: id, Chunk: chunk, FullResponse: full}}
}

func responseEnd(id, full string) room.Event {
	return room.Event{Type: room.EventAIResponseEnd, Data: ResponseEndPayload{MessageID: id, FullResponse: full}}
}
