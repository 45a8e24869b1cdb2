package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeCommand      MessageType = "command"
	MessageTypeQuery        MessageType = "query"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeAlert        MessageType = "alert"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeCommand, MessageTypeQuery,
		MessageTypeResponse, MessageTypeNotification, MessageTypeAlert:
		return true
	default:
		return false
	}
}

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentLink     AttachmentType = "link"
)

func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentImage, AttachmentDocument, AttachmentAudio, AttachmentVideo, AttachmentLink:
		return true
	default:
		return false
	}
}

type Attachment struct {
	Type      AttachmentType `json:"type"`
	Name      string         `json:"name,omitempty"`
	URL       string         `json:"url,omitempty"`
	SizeBytes int64          `json:"size_bytes,omitempty"`
}

type Message struct {
	Text           string            `json:"text"`
	Type           MessageType       `json:"type"`
	Priority       Priority          `json:"priority"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

type DeliveryMethod string

const (
	DeliveryRealtime DeliveryMethod = "realtime"
	DeliveryDeferred DeliveryMethod = "queued"
)

type QueuedMessage struct {
	ID             string         `json:"id"`
	FromAgent      string         `json:"from_agent"`
	ToAgent        string         `json:"to_agent"`
	GroupID        string         `json:"group_id,omitempty"`
	Type           MessageType    `json:"type"`
	Content        Message        `json:"content"`
	Priority       Priority       `json:"priority"`
	Status         MessageStatus  `json:"status"`
	DeliveryMethod DeliveryMethod `json:"delivery_method"`
	NotBefore      time.Time      `json:"not_before"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	RetryCount     int            `json:"retry_count"`
	RetryLimit     int            `json:"retry_limit"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

func (m QueuedMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

type MessageFilter struct {
	ToAgent string
	Status  MessageStatus
	Limit   int
}

type PermissionEffect string

const (
	PermissionEffectAllow PermissionEffect = "allow"
	PermissionEffectDeny  PermissionEffect = "deny"
)

// ChannelGrant allows or denies messages between two agents. "*" matches any agent.
type ChannelGrant struct {
	FromAgent string           `json:"from_agent"`
	ToAgent   string           `json:"to_agent"`
	Effect    PermissionEffect `json:"effect"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}
