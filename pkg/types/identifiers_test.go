package types_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/types"
)

func TestTaskIDJSON(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		id := types.TaskIDFromRandom()
		data, err := json.Marshal(id)
		require.NoError(t, err)
		require.JSONEq(t, `"`+id.Hex()+`"`, string(data))

		var decoded types.TaskID
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, id, decoded)
	})

	t.Run("RejectsWrongSize", func(t *testing.T) {
		var decoded types.TaskID
		require.EqualError(
			t,
			json.Unmarshal([]byte(`"abcd"`), &decoded),
			"rpc error: code = InvalidArgument desc = Identifier is 2 bytes in size, while 16 bytes were expected")
	})

	t.Run("RejectsNonHex", func(t *testing.T) {
		var decoded types.TaskID
		require.Error(t, json.Unmarshal([]byte(`"zz"`), &decoded))
	})
}

func TestIdentifierIsNil(t *testing.T) {
	require.True(t, types.TaskID{}.IsNil())
	require.False(t, types.TaskIDFromRandom().IsNil())
	require.True(t, types.ActorID{}.IsNil())
	require.False(t, types.ActorIDFromRandom().IsNil())
}
