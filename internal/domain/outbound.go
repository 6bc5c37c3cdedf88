package domain

import "time"

// MessageType discriminates outbound envelopes.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageProductCards MessageType = "product_cards"
	MessageQuickReplies MessageType = "quick_replies"
	MessageError        MessageType = "error"
	MessageHandoff      MessageType = "handoff"
)

const (
	OutboundSource = "agent_service"
	SchemaVersion  = "1.0"
)

// Payload is the type-specific body of an Envelope. The set of
// implementations is closed to this package.
type Payload interface {
	MessageType() MessageType
	payload()
}

// Meta identifies the producer of an envelope.
type Meta struct {
	Source        string `json:"source"`
	SchemaVersion string `json:"schema_version"`
}

// Envelope is one structured outbound message.
type Envelope struct {
	Type           MessageType `json:"type"`
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        Payload     `json:"payload"`
	Meta           Meta        `json:"meta"`
}

// NewEnvelope wraps p, deriving Type from the payload.
func NewEnvelope(messageID, conversationID string, ts time.Time, p Payload) Envelope {
	return Envelope{
		Type:           p.MessageType(),
		MessageID:      messageID,
		ConversationID: conversationID,
		Timestamp:      ts.UTC(),
		Payload:        p,
		Meta:           Meta{Source: OutboundSource, SchemaVersion: SchemaVersion},
	}
}

type TextPayload struct {
	Text     string `json:"text"`
	Markdown bool   `json:"markdown,omitempty"`
}

func (TextPayload) MessageType() MessageType { return MessageText }
func (TextPayload) payload()                 {}

// CTAButton is an action attached to a product card.
type CTAButton struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

type ProductCard struct {
	ID            string      `json:"id"`
	Image         string      `json:"image"`
	Title         string      `json:"title"`
	Price         float64     `json:"price"`
	Currency      string      `json:"currency"`
	StockStatus   StockStatus `json:"stock_status"`
	KeyAttributes []Attribute `json:"key_attributes"`
	ProductURL    string      `json:"product_url"`
	CTAButtons    []CTAButton `json:"cta_buttons,omitempty"`
}

type ProductCardsPayload struct {
	SummaryText string        `json:"summary_text,omitempty"`
	Cards       []ProductCard `json:"cards"`
}

func (ProductCardsPayload) MessageType() MessageType { return MessageProductCards }
func (ProductCardsPayload) payload()                 {}

// ReplyMeaning is the semantic tag of a quick reply.
type ReplyMeaning string

const (
	MeaningConfirm  ReplyMeaning = "confirm"
	MeaningCancel   ReplyMeaning = "cancel"
	MeaningYes      ReplyMeaning = "yes"
	MeaningNo       ReplyMeaning = "no"
	MeaningShowMore ReplyMeaning = "show_more"
	MeaningFilter   ReplyMeaning = "filter"
)

type QuickReply struct {
	Label   string       `json:"label"`
	Value   string       `json:"value"`
	Meaning ReplyMeaning `json:"meaning"`
}

type QuickRepliesPayload struct {
	Prompt  string       `json:"prompt"`
	Replies []QuickReply `json:"replies"`
}

func (QuickRepliesPayload) MessageType() MessageType { return MessageQuickReplies }
func (QuickRepliesPayload) payload()                 {}

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	SuggestedNextStep string `json:"suggested_next_step,omitempty"`
}

func (ErrorPayload) MessageType() MessageType { return MessageError }
func (ErrorPayload) payload()                 {}

// Handoff priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

type HandoffPayload struct {
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	Queue    string `json:"queue,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (HandoffPayload) MessageType() MessageType { return MessageHandoff }
func (HandoffPayload) payload()                 {}
