package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
)

func TestEncodeDecode_KeepsInteractionFields(t *testing.T) {
	token := "anon-1"
	in := &chat.Interaction{
		ID:            "01J0000000000000000000000A",
		SessionToken:  &token,
		ArtifactID:    "01J0000000000000000000000B",
		ChatSessionID: "01J0000000000000000000000C",
		Type:          chat.InteractionChat,
		Metadata:      datatypes.JSONMap{"chatMessageCount": 3},
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}

	pub, err := encode(in)
	require.NoError(t, err)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, in.ID, pub.MessageId)
	assert.Equal(t, 0, attempts(pub.Headers))

	out, err := decode(pub.Body)
	require.NoError(t, err)
	assert.Equal(t, in.ChatSessionID, out.ChatSessionID)
	assert.Equal(t, chat.InteractionChat, out.Type)
	require.NotNil(t, out.SessionToken)
	assert.Equal(t, token, *out.SessionToken)
	assert.EqualValues(t, 3, out.Metadata["chatMessageCount"])
}

func TestDecode_RejectsIncompleteMessages(t *testing.T) {
	_, err := decode([]byte(`{"id":"x"}`))
	assert.Error(t, err)

	_, err = decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestAttempts_ReadsBrokerIntegerTypes(t *testing.T) {
	assert.Equal(t, 0, attempts(nil))
	assert.Equal(t, 2, attempts(amqp.Table{headerAttempts: int32(2)}))
	assert.Equal(t, 3, attempts(amqp.Table{headerAttempts: int64(3)}))
	assert.Equal(t, 0, attempts(amqp.Table{headerAttempts: "3"}))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "chat_interactions.retry", retryQueue("chat_interactions"))
	assert.Equal(t, "chat_interactions.dlq", deadQueue("chat_interactions"))
}
