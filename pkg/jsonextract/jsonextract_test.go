package jsonextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObject(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "bare object", input: `{"decision":"self"}`, want: `{"decision":"self"}`, wantOK: true},
		{name: "prose around", input: "Sure! {\"decision\": \"delegate\"} hope this helps", want: `{"decision": "delegate"}`, wantOK: true},
		{name: "fenced", input: "```json\n{\"verdict\":\"approve\"}\n```", want: `{"verdict":"approve"}`, wantOK: true},
		{name: "brace in string", input: `{"feedback":"use } carefully"}`, want: `{"feedback":"use } carefully"}`, wantOK: true},
		{name: "invalid then valid", input: `{oops} {"a":1}`, want: `{"a":1}`, wantOK: true},
		{name: "nested", input: `x {"a":{"b":[1,2]}} y`, want: `{"a":{"b":[1,2]}}`, wantOK: true},
		{name: "none", input: "no json here", wantOK: false},
		{name: "unterminated", input: `{"a":1`, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Object(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode(t *testing.T) {
	var plan []struct {
		Title string `json:"title"`
	}
	require.NoError(t, Decode("Plan:\n[{\"title\":\"a\"},{\"title\":\"b\"}]", &plan))
	require.Len(t, plan, 2)
	assert.Equal(t, "b", plan[1].Title)

	var obj struct {
		Subtasks []struct {
			Title string `json:"title"`
		} `json:"subtasks"`
	}
	require.NoError(t, Decode(`{"subtasks":[{"title":"x"}]}`, &obj))
	assert.Equal(t, "x", obj.Subtasks[0].Title)

	assert.ErrorIs(t, Decode("nothing", &obj), ErrNoJSON)
}

func TestGet(t *testing.T) {
	assert.Equal(t, "rework", Get(`answer: {"verdict":"rework","feedback":"more sources"}`, "verdict").String())
	assert.False(t, Get("none", "verdict").Exists())
}
