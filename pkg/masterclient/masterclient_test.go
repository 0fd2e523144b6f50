package masterclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestParseWriteTargetsDecodesListOfStructs(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{
		"targets": []any{
			map[string]any{"address": "10.0.0.1:9000", "node_id": "n1"},
			map[string]any{"address": "10.0.0.2:9000", "node_id": "n2"},
		},
	})
	assert.NoError(t, err)

	targets := parseWriteTargets(resp)
	assert.Equal(t, []WriteTarget{
		{Address: "10.0.0.1:9000", NodeID: "n1"},
		{Address: "10.0.0.2:9000", NodeID: "n2"},
	}, targets)
}

func TestParseWriteTargetsReturnsNilWhenFieldMissing(t *testing.T) {
	resp := &structpb.Struct{}
	assert.Nil(t, parseWriteTargets(resp))
}

func TestParseWriteTargetsSkipsNonStructEntries(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{
		"targets": []any{"not-a-struct", map[string]any{"address": "a", "node_id": "n"}},
	})
	assert.NoError(t, err)

	targets := parseWriteTargets(resp)
	assert.Equal(t, []WriteTarget{{Address: "a", NodeID: "n"}}, targets)
}

func TestToAnySliceConvertsStringsToInterfaceSlice(t *testing.T) {
	out := toAnySlice([]string{"a", "b"})
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestToAnySliceHandlesEmptyInput(t *testing.T) {
	out := toAnySlice(nil)
	assert.Equal(t, []any{}, out)
}
