package pipeline

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNotification(t *testing.T) {
	var encoded = base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"coach@example.com","historyId":98765}`))

	var tests = []struct {
		name    string
		body    string
		want    Notification
		wantErr bool
	}{
		{
			name: "should decode a raw notification",
			body: `{"emailAddress":"coach@example.com","historyId":98765}`,
			want: Notification{EmailAddress: "coach@example.com", HistoryID: 98765},
		},
		{
			name: "should decode a quoted history id",
			body: `{"emailAddress":"coach@example.com","historyId":"98765"}`,
			want: Notification{EmailAddress: "coach@example.com", HistoryID: 98765},
		},
		{
			name: "should decode a push envelope",
			body: `{"message":{"data":"` + encoded + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`,
			want: Notification{EmailAddress: "coach@example.com", HistoryID: 98765},
		},
		{
			name: "should leave a missing history id at zero",
			body: `{"emailAddress":"coach@example.com"}`,
			want: Notification{EmailAddress: "coach@example.com"},
		},
		{name: "should reject invalid json", body: `{`, wantErr: true},
		{name: "should reject an envelope without data", body: `{"message":{}}`, wantErr: true},
		{name: "should reject bad base64", body: `{"message":{"data":"***"}}`, wantErr: true},
		{name: "should reject a negative history id", body: `{"historyId":-1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got, err = DecodeNotification([]byte(tt.body))

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNotification)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
