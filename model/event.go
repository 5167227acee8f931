package model

// InboundEvent is what webhook ingestion hands to the engine. Identity is the
// contact's address on the channel and becomes the destination of replies.
type InboundEvent struct {
	OrganizationId string
	ContactId      string
	Identity       string
	ChannelId      string
	EventName      string
	Payload        map[string]any
	// Restart discards a finished state and starts a new journey.
	Restart bool
}

func (e InboundEvent) HasPayload() bool {
	return len(e.Payload) > 0
}
