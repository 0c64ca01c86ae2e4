package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicTrailingDotPreventsPrefixAliasing(t *testing.T) {
	sub := Topic("foo", "BAR")
	assert.Equal(t, "foo.BAR.", sub)
	assert.False(t, MatchesSubscription(Topic("foo", "BARBAZ"), sub))
	assert.True(t, MatchesSubscription(Topic("foo", "BAR"), sub))
}

func TestBulkAndBundleTopics(t *testing.T) {
	assert.Equal(t, "bulk:metal.GOLD.", BulkTopic("metal", "GOLD"))
	assert.Equal(t, "bundle:metal.G.", BundleTopic("metal", "G"))
}

// Scenario 6 from spec §8: subscribe + update.
func TestPublishFrameRoundTrip(t *testing.T) {
	payload := &Payload{}
	require.NoError(t, payload.SetValue(2450.17))
	ts := 1725000000.0
	payload.Time = &ts
	raw, err := EncodePayload(payload)
	require.NoError(t, err)

	pf := &PublishFrame{Topic: Topic("metal", "GOLD"), Payload: raw}
	parts := pf.Encode()
	require.Len(t, parts, 4)

	decoded, err := DecodePublishFrame(parts)
	require.NoError(t, err)
	assert.Equal(t, "metal.GOLD.", decoded.Topic)

	decodedPayload, err := DecodePayload(decoded.Payload)
	require.NoError(t, err)
	var value float64
	require.NoError(t, decodedPayload.DecodeValue(&value))
	assert.Equal(t, 2450.17, value)
	assert.Equal(t, 1725000000.0, *decodedPayload.Time)
}

func TestDecodePublishFrame_WrongPartCount(t *testing.T) {
	_, err := DecodePublishFrame([][]byte{{}, {}})
	require.Error(t, err)
}

func TestEncodeDecodeBundle_RoundTrip(t *testing.T) {
	raw, err := EncodeBundle([]BundleElement{
		{Key: "AZ", Id: "xyz", Value: []byte("180")},
		{Key: "EL", Id: "xyz", Value: []byte("45")},
	})
	require.NoError(t, err)

	elements, err := DecodeBundle(raw)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "AZ", elements[0].Key)
	assert.Equal(t, "xyz", elements[0].Id)
	assert.Equal(t, elements[0].Id, elements[1].Id)
}

func TestDecodeBundle_Malformed(t *testing.T) {
	_, err := DecodeBundle([]byte("not json"))
	require.Error(t, err)
}
