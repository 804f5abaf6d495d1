package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	alice := newMember(SpaceUser{ID: 1, Name: "Alice"}, "")
	streamer := newMember(SpaceUser{ID: 2, Name: "Bob", MegaphoneState: true}, "")

	tests := []struct {
		name   string
		filter Filter
		member *Member
		want   bool
	}{
		{"contains name is case insensitive", NewContainsName("AL"), alice, true},
		{"contains name misses", NewContainsName("zz"), alice, false},
		{"empty needle matches all", NewContainsName(""), streamer, true},
		{"everybody", Everybody{}, alice, true},
		{"live streaming on", LiveStreaming{}, streamer, true},
		{"live streaming off", LiveStreaming{}, alice, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.member))
		})
	}
}

func TestContainsNameLowercasesOnce(t *testing.T) {
	f := NewContainsName("ALiCe")
	assert.Equal(t, "alice", f.Value())
}

func TestFilterSpecBuild(t *testing.T) {
	t.Run("single variant", func(t *testing.T) {
		f, err := FilterSpec{ContainsName: &ContainsNameSpec{Value: "Al"}}.Build()
		require.NoError(t, err)
		assert.Equal(t, FilterKindContainsName, f.Kind())
		assert.Equal(t, FilterSpec{ContainsName: &ContainsNameSpec{Value: "al"}}, SpecOf(f))
	})

	t.Run("no variant", func(t *testing.T) {
		_, err := FilterSpec{}.Build()
		assert.ErrorIs(t, err, ErrMalformedFilter)
	})

	t.Run("several variants", func(t *testing.T) {
		_, err := FilterSpec{Everybody: &struct{}{}, LiveStreaming: &struct{}{}}.Build()
		assert.ErrorIs(t, err, ErrMalformedFilter)
	})
}
