package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"cypher": ["MATCH (n) RETURN n"]}`,
			want: `{"cypher": ["MATCH (n) RETURN n"]}`,
		},
		{
			name: "fenced object",
			in:   "```json\n{\"symptoms\": [\"咳嗽\"]}\n```",
			want: `{"symptoms": ["咳嗽"]}`,
		},
		{
			name: "leading prose",
			in:   `好的，结果如下：{"herbs": ["人参"]}`,
			want: `{"herbs": ["人参"]}`,
		},
		{
			name: "array value",
			in:   `["a", "b"]`,
			want: `["a", "b"]`,
		},
		{
			name: "empty input",
			in:   "   ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.in))
		})
	}
}

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "当归", TruncateByRunes("当归补血汤", 2))
	assert.Equal(t, "abc", TruncateByRunes("abc", 10))
	assert.Equal(t, "", TruncateByRunes("abc", 0))
}
