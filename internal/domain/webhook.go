package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EventMessageCreated is the only webhook event that is processed.
const EventMessageCreated = "message_created"

// ID is an identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("domain: id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type Sender struct {
	ID   ID     `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

type Attachment struct {
	ID          ID     `json:"id,omitempty"`
	FileType    string `json:"file_type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	DataURL     string `json:"data_url,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
}

type Message struct {
	ID          ID           `json:"id"`
	Content     string       `json:"content,omitempty"`
	MessageType string       `json:"message_type,omitempty"`
	Private     *bool        `json:"private,omitempty"`
	Sender      *Sender      `json:"sender,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type ConversationRef struct {
	ID ID `json:"id"`
}

// WebhookPayload is an inbound Chatwoot webhook event. Message fields may
// appear either nested under Message or flattened at the top level.
type WebhookPayload struct {
	Event        string           `json:"event"`
	EventID      ID               `json:"event_id,omitempty"`
	ID           ID               `json:"id,omitempty"`
	MessageType  string           `json:"message_type,omitempty"`
	Private      *bool            `json:"private,omitempty"`
	Content      string           `json:"content,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
	Sender       *Sender          `json:"sender,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	Message      *Message         `json:"message,omitempty"`
}

// DedupKey returns the event identity: event_id, else the message id.
func (p WebhookPayload) DedupKey() string {
	if k := strings.TrimSpace(p.EventID.String()); k != "" {
		return k
	}
	if p.Message != nil && p.Message.ID != "" {
		return p.Message.ID.String()
	}
	return p.ID.String()
}

// ConversationID returns the conversation identifier or "".
func (p WebhookPayload) ConversationID() string {
	if p.Conversation == nil {
		return ""
	}
	return p.Conversation.ID.String()
}

// GetMessage returns the nested message, or one assembled from the
// flattened top-level fields.
func (p WebhookPayload) GetMessage() Message {
	if p.Message != nil {
		return *p.Message
	}
	return Message{
		ID:          p.ID,
		Content:     p.Content,
		MessageType: p.MessageType,
		Private:     p.Private,
		Sender:      p.Sender,
		Attachments: p.Attachments,
	}
}

// IsIncomingCustomerMessage reports whether the event is a public incoming
// message written by a contact rather than an agent, bot or the system.
func (p WebhookPayload) IsIncomingCustomerMessage() bool {
	var senderType string
	switch {
	case p.Sender != nil && p.Sender.Type != "":
		senderType = p.Sender.Type
	case p.Message != nil && p.Message.Sender != nil:
		senderType = p.Message.Sender.Type
	}
	switch senderType {
	case "agent", "bot", "system":
		return false
	}

	messageType := p.MessageType
	if p.Message != nil && p.Message.MessageType != "" {
		messageType = p.Message.MessageType
	}
	if messageType != "incoming" {
		return false
	}

	private := p.Private
	if p.Message != nil && p.Message.Private != nil {
		private = p.Message.Private
	}
	return private == nil || !*private
}
