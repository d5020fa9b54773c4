package wire

import (
	"testing"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	dest := contracts.Destination{Type: contracts.DestinationAMQP, Address: "orders.sms"}
	msg := contracts.NewMessage("+4711111111", "hello", dest)
	msg.Metadata = map[string]string{"chat_id": "42"}

	data, err := Encode(msg, dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"gateway.message"`)
	assert.Contains(t, string(data), `"address":"orders.sms"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, msg.Destinations, got.Destinations)
	assert.Equal(t, "42", got.Metadata["chat_id"])
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
}

func TestDecode(t *testing.T) {
	t.Run("bare message", func(t *testing.T) {
		got, err := Decode([]byte(`{"content":"hi","sender":"bot","destinations":[{"type":"sms","address":"+4799999999"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Content)
		require.Len(t, got.Destinations, 1)
		assert.Equal(t, contracts.DestinationSMS, got.Destinations[0].Type)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrEmptyPayload)
	})

	t.Run("foreign envelope", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"billing.invoice","body":{}}`))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{"content":`))
		assert.Error(t, err)
	})
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil, contracts.Destination{})
	assert.ErrorIs(t, err, contracts.ErrInvalidMessage)
}
