package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
)

func TestFilterMatch_EmptyFilterScoresOne(t *testing.T) {
	f := filter.Filter{Entries: channel.PropertyMap{}}
	score, ok := f.Match(channel.PropertyMap{"TargetHandle": channel.String("u1")})
	require.True(t, ok)
	assert.Equal(t, 1, score)
}

func TestFilterMatch_NEntryFilterScoresNPlusOne(t *testing.T) {
	f := filter.Filter{Entries: channel.PropertyMap{
		"TargetHandleType": channel.Uint64(1),
		"ChannelType":      channel.String("im.Text"),
		"Requested":        channel.Bool(true),
	}}
	props := channel.PropertyMap{
		"TargetHandleType": channel.Uint64(1),
		"ChannelType":      channel.String("im.Text"),
		"Requested":        channel.Bool(true),
		"TargetHandle":     channel.Uint64(42),
	}
	score, ok := f.Match(props)
	require.True(t, ok)
	assert.Equal(t, 4, score)
}

func TestFilterMatch_MissingPropertyDisqualifies(t *testing.T) {
	f := filter.Filter{Entries: channel.PropertyMap{
		"ChannelType": channel.String("im.Text"),
	}}
	_, ok := f.Match(channel.PropertyMap{})
	assert.False(t, ok)
}

func TestFilterMatch_TypeMismatchDisqualifies(t *testing.T) {
	f := filter.Filter{Entries: channel.PropertyMap{
		"TargetHandleType": channel.Uint64(1),
	}}
	_, ok := f.Match(channel.PropertyMap{"TargetHandleType": channel.String("1")})
	assert.False(t, ok)
}

func TestFilterMatch_IntegerCrossWidthEquality(t *testing.T) {
	f := filter.Filter{Entries: channel.PropertyMap{
		"TargetHandle": channel.Int64(42),
	}}
	score, ok := f.Match(channel.PropertyMap{"TargetHandle": channel.Uint64(42)})
	require.True(t, ok)
	assert.Equal(t, 2, score)
}

func TestClientFilters_BestScoreIsMaxNotSum(t *testing.T) {
	fs := filter.ClientFilters{
		{Entries: channel.PropertyMap{"ChannelType": channel.String("im.Text")}},
		{Entries: channel.PropertyMap{
			"ChannelType": channel.String("im.Text"),
			"Requested":   channel.Bool(true),
		}},
	}
	props := channel.PropertyMap{
		"ChannelType": channel.String("im.Text"),
		"Requested":   channel.Bool(true),
	}
	best, matched := fs.BestScore(props)
	require.True(t, matched)
	assert.Equal(t, 3, best)
}

func TestClientFilters_NoMatchingFilter(t *testing.T) {
	fs := filter.ClientFilters{
		{Entries: channel.PropertyMap{"ChannelType": channel.String("im.Text")}},
	}
	_, matched := fs.BestScore(channel.PropertyMap{"ChannelType": channel.String("im.Audio")})
	assert.False(t, matched)
}

func TestSelectHandlers_BypassApprovalSortsFirst(t *testing.T) {
	candidates := []filter.Candidate{
		{BusName: "org.example.HandlerA", Score: 10, BypassApproval: false},
		{BusName: "org.example.HandlerB", Score: 2, BypassApproval: true},
		{BusName: "org.example.HandlerC", Score: 5, BypassApproval: false},
	}
	sorted := filter.SelectHandlers(candidates)
	require.Len(t, sorted, 3)
	assert.Equal(t, "org.example.HandlerB", sorted[0].BusName)
	assert.Equal(t, "org.example.HandlerC", sorted[1].BusName)
	assert.Equal(t, "org.example.HandlerA", sorted[2].BusName)
}

func TestSelectHandlers_ScoreBreaksTiesWithinGroup(t *testing.T) {
	candidates := []filter.Candidate{
		{BusName: "low", Score: 2, BypassApproval: false},
		{BusName: "high", Score: 9, BypassApproval: false},
	}
	sorted := filter.SelectHandlers(candidates)
	assert.Equal(t, "high", sorted[0].BusName)
	assert.Equal(t, "low", sorted[1].BusName)
}
