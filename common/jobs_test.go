package common

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobRequiresCause(t *testing.T) {
	j := NewJob()
	_, err := json.Marshal(j)
	require.Error(t, err)
	if !errors.Is(unwrapMarshalError(err), ErrJobCauseRequired) {
		t.Errorf("expected ErrJobCauseRequired, got: %v", err)
	}

	j.SetCause("manual scan")
	d, err := json.Marshal(j)
	require.NoError(t, err)

	parsed := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(d, &parsed))
	assert.Equal(t, "manual scan", parsed["cause"])
	assert.Contains(t, parsed, "start")
	assert.NotContains(t, parsed, "end")

	j.Close()
	d, err = json.Marshal(j)
	require.NoError(t, err)
	parsed = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(d, &parsed))
	assert.Contains(t, parsed, "end")
}

// json.Marshal wraps MarshalJSON errors in a *json.MarshalerError.
func unwrapMarshalError(err error) error {
	me := &json.MarshalerError{}
	if errors.As(err, &me) {
		return me.Unwrap()
	}
	return err
}

func TestReopenedJobIsExemptFromCause(t *testing.T) {
	j := OpenJob("5a1ed1b4-7f54-4b55-9c3a-3c3b7a1e2f10")
	j.Narrate("resuming after sensor reply", nil, false)

	d, err := json.Marshal(j)
	require.NoError(t, err)

	parsed := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(d, &parsed))
	assert.Equal(t, "5a1ed1b4-7f54-4b55-9c3a-3c3b7a1e2f10", parsed["id"])
	assert.NotContains(t, parsed, "start", "reopening must not reset start")
}

func TestJobNarrationAttachments(t *testing.T) {
	table := &Table{Caption: "hits", Headers: []string{"sensor", "count"}}
	table.AddRow("sid-1", 3)
	require.Equal(t, 1, table.Length())

	yml, err := NewYamlData("rule", map[string]interface{}{"op": "exists"})
	require.NoError(t, err)
	jsn, err := NewJsonData("event", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	j := NewJob()
	j.SetCause("test")
	j.AddSensor("sid-1")
	j.Narrate("found something", []JobAttachment{
		HexDump{Caption: "payload", Data: []byte{0xde, 0xad}},
		table,
		yml,
		jsn,
	}, true)

	d, err := json.Marshal(j)
	require.NoError(t, err)

	parsed := struct {
		Sensors []string `json:"sid"`
		Hist    []struct {
			Message     string                   `json:"msg"`
			IsImportant bool                     `json:"is_important"`
			Attachments []map[string]interface{} `json:"attachments"`
		} `json:"hist"`
	}{}
	require.NoError(t, json.Unmarshal(d, &parsed))
	require.Equal(t, []string{"sid-1"}, parsed.Sensors)
	require.Len(t, parsed.Hist, 1)
	require.Len(t, parsed.Hist[0].Attachments, 4)
	assert.True(t, parsed.Hist[0].IsImportant)

	types := []string{}
	for _, a := range parsed.Hist[0].Attachments {
		types = append(types, a["att_type"].(string))
		assert.NotEmpty(t, a["caption"])
	}
	assert.Equal(t, []string{"hex_dump", "table", "yaml", "json"}, types)
	assert.Equal(t, "3q0=", parsed.Hist[0].Attachments[0]["data"])
}
