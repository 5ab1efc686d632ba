package room

// Presence sends advisory typing signals. Nothing here is persisted or ordered
// against the message stream.
type Presence struct {
	rooms *Registry
}

func NewPresence(rooms *Registry) *Presence {
	return &Presence{rooms: rooms}
}

type TypingPayload struct {
	UserID string `json:"userId"`
}

type AITypingPayload struct {
	ArtifactName string `json:"artifactName"`
}

// TypingStart tells the other members of c's room that c is typing.
func (p *Presence) TypingStart(c *Conn) {
	p.userSignal(c, EventUserTyping)
}

func (p *Presence) TypingStop(c *Conn) {
	p.userSignal(c, EventUserStoppedTyping)
}

func (p *Presence) userSignal(c *Conn, name string) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}
	who := c.Identity().Display()
	if who == "" {
		who = c.ID()
	}
	p.rooms.Broadcast(sessionID, Event{Type: name, Data: TypingPayload{UserID: who}}, c)
}

func (p *Presence) AITyping(sessionID, artifactName string) {
	p.rooms.Broadcast(sessionID, Event{Type: EventAITyping, Data: AITypingPayload{ArtifactName: artifactName}}, nil)
}

func (p *Presence) AIStoppedTyping(sessionID string) {
	p.rooms.Broadcast(sessionID, Event{Type: EventAIStoppedTyping, Data: struct{}{}}, nil)
}
