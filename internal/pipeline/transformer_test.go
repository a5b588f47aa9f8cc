package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/internal/pipeline"
)

func TestNotificationRequestTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	recipient, err := urn.Parse("urn:sm:user:user-123")
	require.NoError(t, err)

	validPayload, err := json.Marshal(&notification.NotificationRequest{
		RecipientID: recipient,
		Content:     notification.NotificationContent{Title: "New message", Body: "Hi"},
	})
	require.NoError(t, err)

	emptyPayload, err := json.Marshal(&notification.NotificationRequest{RecipientID: recipient})
	require.NoError(t, err)

	testCases := []struct {
		name                  string
		inputMessage          *messagepipeline.Message
		expectError           bool
		expectedErrorContains string
	}{
		{
			name: "Happy Path - Valid request",
			inputMessage: &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: validPayload},
			},
		},
		{
			name: "Failure - Malformed JSON",
			inputMessage: &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-2", Payload: []byte("not-json")},
			},
			expectError:           true,
			expectedErrorContains: "failed to unmarshal notification request",
		},
		{
			name: "Failure - Nothing to deliver",
			inputMessage: &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-3", Payload: emptyPayload},
			},
			expectError:           true,
			expectedErrorContains: "no title, body or data",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, skip, err := pipeline.NotificationRequestTransformer(ctx, tc.inputMessage)

			if tc.expectError {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Contains(t, err.Error(), tc.expectedErrorContains)
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			require.NotNil(t, result)
			assert.Equal(t, recipient.String(), result.RecipientID.String())
			assert.Equal(t, "New message", result.Content.Title)
		})
	}
}
