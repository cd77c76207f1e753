package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCachedClient_BSONRoundTrip(t *testing.T) {
	doc := CachedClient{
		BusName:        "org.chandispatch.Handler.Mail",
		Capabilities:   0b1010,
		BypassApproval: true,
		UpdatedAt:      time.Unix(1700000000, 0).UTC(),
	}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var out CachedClient
	require.NoError(t, bson.Unmarshal(raw, &out))

	assert.Equal(t, doc.BusName, out.BusName)
	assert.Equal(t, doc.Capabilities, out.Capabilities)
	assert.Equal(t, doc.BypassApproval, out.BypassApproval)
	assert.True(t, doc.UpdatedAt.Equal(out.UpdatedAt))
}

func TestRecoveryRecord_BSONRoundTrip(t *testing.T) {
	doc := RecoveryRecord{
		ChannelPath: "/org/chandispatch/Channel/abc",
		Outcome:     OutcomeResubmitted,
		ResolvedAt:  time.Unix(1700000000, 0).UTC(),
	}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var out RecoveryRecord
	require.NoError(t, bson.Unmarshal(raw, &out))

	assert.Equal(t, doc.ChannelPath, out.ChannelPath)
	assert.Equal(t, OutcomeResubmitted, out.Outcome)
	assert.Empty(t, out.HandlerName)
}
