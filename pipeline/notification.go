package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidNotification is returned for bodies that are neither a mailbox
// notification nor a push envelope carrying one.
var ErrInvalidNotification = errors.New("invalid notification")

// Notification tells that the mailbox changed up to HistoryID.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

type rawNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

type pushEnvelope struct {
	Message *struct {
		Data string `json:"data"`
	} `json:"message"`
}

// DecodeNotification accepts either the notification JSON itself or a push
// envelope whose message data is the base64-encoded notification. A missing
// historyId decodes as 0.
func DecodeNotification(body []byte) (Notification, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	if envelope.Message != nil {
		if envelope.Message.Data == "" {
			return Notification{}, fmt.Errorf("%w: push message without data", ErrInvalidNotification)
		}

		var data, err = decodeBase64(envelope.Message.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
		body = data
	}

	var raw rawNotification
	if err := json.Unmarshal(body, &raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	var notification = Notification{EmailAddress: raw.EmailAddress}
	if raw.HistoryID != "" {
		var id, err = strconv.ParseUint(raw.HistoryID.String(), 10, 64)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: historyId %q", ErrInvalidNotification, raw.HistoryID)
		}
		notification.HistoryID = id
	}

	return notification, nil
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
