package wsfetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeaders(t *testing.T) {
	token := "Bearer sk-test"

	tests := []struct {
		name    string
		headers any
		want    map[string]string
	}{
		{
			name:    "nil",
			headers: nil,
			want:    map[string]string{},
		},
		{
			name: "http.Header",
			headers: http.Header{
				"Authorization": {"Bearer sk-test"},
				"Accept":        {"text/event-stream", "application/json"},
			},
			want: map[string]string{
				"authorization": "Bearer sk-test",
				"accept":        "text/event-stream, application/json",
			},
		},
		{
			name:    "ordered pairs, later wins",
			headers: [][2]string{{"X-Trace", "a"}, {"x-trace", "b"}, {"Authorization", "k"}},
			want:    map[string]string{"x-trace": "b", "authorization": "k"},
		},
		{
			name:    "header pairs",
			headers: []HeaderPair{{Name: "Content-Type", Value: "application/json"}},
			want:    map[string]string{"content-type": "application/json"},
		},
		{
			name:    "plain map",
			headers: map[string]string{"AUTHORIZATION": "Bearer x"},
			want:    map[string]string{"authorization": "Bearer x"},
		},
		{
			name:    "pointer map drops nil",
			headers: map[string]*string{"Authorization": &token, "X-Missing": nil},
			want:    map[string]string{"authorization": "Bearer sk-test"},
		},
		{
			name:    "any map drops nil and stringifies",
			headers: map[string]any{"Authorization": "Bearer y", "X-Retry": 3, "X-Gone": nil},
			want:    map[string]string{"authorization": "Bearer y", "x-retry": "3"},
		},
		{
			name:    "unsupported shape",
			headers: 42,
			want:    map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHeaders(tt.headers))
		})
	}
}
