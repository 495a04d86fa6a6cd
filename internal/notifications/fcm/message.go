// Package fcm implements the push transmitter over the FCM HTTP v1 API.
// Requests are routed through the shared resilient HTTP client; vendor error
// codes are translated into the delivery failure taxonomy.
package fcm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"appserver/internal/types"
)

const (
	// DefaultTitle is used when a notification carries no title.
	DefaultTitle = "Alert from RADAR-Base"
	// DefaultSound is used when a notification carries no sound.
	DefaultSound = "default"
)

// sendRequest is the envelope posted to projects/<id>/messages:send.
type sendRequest struct {
	Message *message `json:"message"`
}

// message is the FCM v1 message document. Exactly one of Token, Topic, or
// Condition selects the target.
type message struct {
	Token        string             `json:"token,omitempty"`
	Topic        string             `json:"topic,omitempty"`
	Condition    string             `json:"condition,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
	Notification *basicNotification `json:"notification,omitempty"`
	Android      *androidConfig     `json:"android,omitempty"`
}

type basicNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type androidConfig struct {
	Priority     string               `json:"priority,omitempty"`
	TTL          string               `json:"ttl,omitempty"`
	CollapseKey  string               `json:"collapse_key,omitempty"`
	Notification *androidNotification `json:"notification,omitempty"`
}

// androidNotification carries the display fields the study apps consume.
type androidNotification struct {
	Title             string   `json:"title,omitempty"`
	Body              string   `json:"body,omitempty"`
	Sound             string   `json:"sound,omitempty"`
	ClickAction       string   `json:"click_action,omitempty"`
	BodyLocKey        string   `json:"body_loc_key,omitempty"`
	BodyLocArgs       []string `json:"body_loc_args,omitempty"`
	TitleLocKey       string   `json:"title_loc_key,omitempty"`
	TitleLocArgs      []string `json:"title_loc_args,omitempty"`
	ChannelID         string   `json:"channel_id,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Tag               string   `json:"tag,omitempty"`
	Color             string   `json:"color,omitempty"`
	NotificationCount *int     `json:"notification_count,omitempty"`
}

// target selects the message destination: the registration token, or the
// topic/condition when the entity specifies one.
func target(base *types.MessageBase, token string) (msg message) {
	switch {
	case base.FCMCondition != "":
		msg.Condition = base.FCMCondition
	case base.FCMTopic != "":
		msg.Topic = base.FCMTopic
	default:
		msg.Token = token
	}
	return msg
}

// ttlString renders a TTL in the "<seconds>s" form the v1 API expects.
func ttlString(ttl time.Duration) string {
	return fmt.Sprintf("%ds", int64(ttl/time.Second))
}

// notificationMessage builds the v1 message for a user-visible notification.
// Empty title and sound fall back to the platform defaults; every other
// field is passed through only when set.
func notificationMessage(n *types.Notification, token string) *message {
	title := n.Title
	if title == "" {
		title = DefaultTitle
	}
	sound := n.Sound
	if sound == "" {
		sound = DefaultSound
	}

	msg := target(&n.MessageBase, token)
	msg.Data = n.AdditionalData
	msg.Notification = &basicNotification{Title: title, Body: n.Body}
	msg.Android = &androidConfig{
		Priority: n.Priority,
		TTL:      ttlString(n.TTL()),
		Notification: &androidNotification{
			Title:        title,
			Body:         n.Body,
			Sound:        sound,
			ClickAction:  n.ClickAction,
			BodyLocKey:   n.BodyLocKey,
			BodyLocArgs:  splitLocArgs(n.BodyLocArgs),
			TitleLocKey:  n.TitleLocKey,
			TitleLocArgs: splitLocArgs(n.TitleLocArgs),
			ChannelID:    n.AndroidChannelID,
			Icon:         n.IconName,
			Tag:          n.Tag,
			Color:        n.Color,
		},
	}
	if n.Badge != "" {
		if count, err := strconv.Atoi(n.Badge); err == nil {
			msg.Android.Notification.NotificationCount = &count
		}
	}
	return &msg
}

// dataMessage builds the v1 message for a silent data message.
func dataMessage(d *types.DataMessage, token string) *message {
	msg := target(&d.MessageBase, token)
	msg.Data = d.DataMap
	msg.Android = &androidConfig{
		Priority: d.Priority,
		TTL:      ttlString(d.TTL()),
	}
	return &msg
}

// splitLocArgs turns the stored comma-separated localization arguments into
// the list form the API expects. Whitespace around the separators is not
// part of the arguments.
func splitLocArgs(args string) []string {
	if args == "" {
		return nil
	}
	parts := strings.Split(args, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
