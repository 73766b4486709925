package configs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		docs    []string
		want    map[string]string
		invalid int
	}{
		{
			name: "single entry",
			docs: []string{`{"value": {"key": "lookupd", "value": "127.0.0.1:4161"}}`},
			want: map[string]string{"lookupd": "127.0.0.1:4161"},
		},
		{
			name: "entry list",
			docs: []string{`{"value": [{"key": "lookupd-1", "value": "10.0.0.1:4161"}, {"key": "lookupd-2", "value": "10.0.0.2:4161"}]}`},
			want: map[string]string{"lookupd-1": "10.0.0.1:4161", "lookupd-2": "10.0.0.2:4161"},
		},
		{
			name: "non-string values",
			docs: []string{`{"value": [{"key": "port", "value": 4161}, {"key": "enabled", "value": true}, {"key": 7, "value": "seven"}]}`},
			want: map[string]string{"port": "4161", "enabled": "true", "7": "seven"},
		},
		{
			name: "later document wins",
			docs: []string{
				`{"value": {"key": "lookupd", "value": "old"}}`,
				`{"value": [{"key": "lookupd", "value": "new"}, {"key": "other", "value": "x"}]}`,
			},
			want: map[string]string{"lookupd": "new", "other": "x"},
		},
		{
			name: "empty list",
			docs: []string{`{"value": []}`},
			want: map[string]string{},
		},
		{
			name: "malformed documents skipped",
			docs: []string{
				`not json`,
				`{"other": {"key": "lookupd", "value": "x"}}`,
				`{"value": "scalar"}`,
				`{"value": [{"key": "lookupd"}]}`,
				`{"value": [{"value": "x"}]}`,
				`{"value": {"key": "lookupd", "value": "127.0.0.1:4161"}}`,
			},
			want:    map[string]string{"lookupd": "127.0.0.1:4161"},
			invalid: 5,
		},
		{
			name: "no document",
			want: map[string]string{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			docs := make([][]byte, 0, len(tt.docs))
			for _, d := range tt.docs {
				docs = append(docs, []byte(d))
			}
			core, logs := observer.New(zapcore.ErrorLevel)

			got := Extract(docs, zap.New(core))

			re.Equal(tt.want, got)
			re.Equal(tt.invalid, logs.FilterMessage("invalid config content").Len())
		})
	}
}
