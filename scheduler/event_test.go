package scheduler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	t.Run("events encode as kind/payload pairs", func(tt *testing.T) {
		data, err := json.Marshal(Progress("fetching logs"))
		require.NoError(tt, err)
		require.JSONEq(tt, `["progress", "fetching logs"]`, string(data))
	})

	t.Run("payload types are preserved", func(tt *testing.T) {
		history := []Event{
			NewEvent(KindStatus, Text("completed")),
			NewEvent("redirect", Flag(true)),
			NewEvent(KindUsage, Number(1234)),
			NewEvent(KindReport, MustStructured(map[string]any{"description": "oom", "evidences": []string{"a"}})),
			NewEvent("nothing", Value{}),
		}

		data, err := Encode(history)
		require.NoError(tt, err)

		decoded, err := Decode(data)
		require.NoError(tt, err)
		require.Len(tt, decoded, len(history))

		wantTypes := []ValueType{TextValue, FlagValue, NumberValue, StructuredValue, NullValue}
		for k, ev := range decoded {
			require.Equal(tt, history[k].Kind, ev.Kind)
			require.Equal(tt, wantTypes[k], ev.Payload.Type(), "event %d", k)
			require.Equal(tt, history[k].Payload.String(), ev.Payload.String())
		}
	})

	t.Run("structured scalars are normalized", func(tt *testing.T) {
		value, err := Structured("plain")
		require.NoError(tt, err)

		text, ok := value.AsText()
		require.True(tt, ok)
		require.Equal(tt, "plain", text)
	})

	t.Run("structured values decode into structs", func(tt *testing.T) {
		type report struct {
			Description string `json:"description"`
		}

		value := MustStructured(report{Description: "disk full"})

		var got report
		require.NoError(tt, value.Decode(&got))
		require.Equal(tt, "disk full", got.Description)
	})

	t.Run("an empty history encodes as an empty array", func(tt *testing.T) {
		data, err := Encode(nil)
		require.NoError(tt, err)
		require.Equal(tt, "[]", string(data))
	})
}

func TestEventDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"not an array":  `{"kind": "progress"}`,
		"wrong arity":   `["progress"]`,
		"empty kind":    `["", "x"]`,
		"non-text kind": `[1, "x"]`,
	}

	for name, input := range cases {
		t.Run(name, func(tt *testing.T) {
			var ev Event
			require.Error(tt, json.Unmarshal([]byte(input), &ev))
		})
	}
}

func TestFilter(t *testing.T) {
	history := []Event{
		NewEvent(KindWorkflow, Text("react")),
		Progress("step 1"),
		NewEvent(KindSourceMap, Text("...")),
		Progress("step 2"),
		Status("completed"),
	}

	got := Filter(history, KindProgress, KindSourceMap)

	require.Equal(t, []Event{history[0], history[4]}, got)
	require.Len(t, history, 5, "input is left untouched")
}

func TestKindTerminal(t *testing.T) {
	require.True(t, KindStatus.Terminal())

	for _, kind := range []Kind{KindProgress, KindError, KindReport, KindJob, KindRunID} {
		require.False(t, kind.Terminal(), string(kind))
	}
}
