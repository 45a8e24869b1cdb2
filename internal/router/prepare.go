package router

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"switchboard/internal/domain"
)

// normalize validates msg and returns a private copy safe to mutate.
func (r *Router) normalize(msg domain.Message) (domain.Message, error) {
	out := msg
	out.Text = strings.TrimSpace(msg.Text)
	if out.Text == "" {
		return out, domain.Errorf(domain.KindValidation, "message text is required")
	}
	if n := utf8.RuneCountInString(out.Text); n > r.cfg.MaxTextLength {
		return out, domain.Errorf(domain.KindValidation, "message text is %d characters, limit is %d", n, r.cfg.MaxTextLength)
	}
	if out.Type == "" {
		out.Type = domain.MessageTypeText
	}
	if !out.Type.Valid() {
		return out, domain.Errorf(domain.KindValidation, "unknown message type %q", out.Type)
	}
	if out.Priority == 0 {
		out.Priority = domain.PriorityMedium
	}
	if !out.Priority.Valid() {
		return out, domain.Errorf(domain.KindValidation, "priority %d out of range", int(out.Priority))
	}
	if data := bytes.TrimSpace(msg.Data); len(data) > 0 {
		if !json.Valid(data) {
			return out, domain.Errorf(domain.KindValidation, "message data must be valid JSON")
		}
		out.Data = append(json.RawMessage(nil), data...)
	}

	out.Attachments = nil
	for _, a := range msg.Attachments {
		if a.Type.Valid() {
			out.Attachments = append(out.Attachments, a)
		}
	}
	out.Metadata = make(map[string]string, len(msg.Metadata)+3)
	for k, v := range msg.Metadata {
		out.Metadata[k] = v
	}
	return out, nil
}

// preprocess applies the source's privacy level and stamps routing metadata.
func (r *Router) preprocess(msg *domain.Message, source, target domain.Agent, now time.Time) {
	if source.PrivacyLevel == domain.PrivacyStrict {
		for k := range msg.Metadata {
			if r.isSensitive(k) {
				delete(msg.Metadata, k)
			}
		}
		msg.Data = r.stripData(msg.Data)
	}
	msg.Metadata["routed_at"] = now.Format(time.RFC3339Nano)
	msg.Metadata["from_name"] = source.Name
	msg.Metadata["to_name"] = target.Name
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}
}

func (r *Router) isSensitive(key string) bool {
	_, ok := r.sensitive[strings.ToLower(key)]
	return ok
}

// stripData removes sensitive keys from the top level of a JSON object.
// Anything that is not an object is returned unchanged.
func (r *Router) stripData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || data[0] != '{' {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	removed := false
	for k := range fields {
		if r.isSensitive(k) {
			delete(fields, k)
			removed = true
		}
	}
	if !removed {
		return data
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
