package readers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseResponse(body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(body),
	}
}

func TestResponsesEventReader_ReframesEvents(t *testing.T) {
	upstream := "event: response.created\n" +
		"data: {\"type\":\"response.created\"}\n\n" +
		": keep-alive\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n" +
		"data: {\"type\":\"response.completed\"}\n\n" +
		"data: [DONE]\n\n"

	r, err := NewResponsesEventReader(sseResponse(strings.NewReader(upstream)), "req-1")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t,
		"data: {\"type\":\"response.created\"}\n\n"+
			"data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n"+
			"data: {\"type\":\"response.completed\"}\n\n"+
			"data: [DONE]\n\n",
		string(got))
	assert.Equal(t, int64(3), r.Events())
	assert.Equal(t, "response.completed", r.LastEvent())
}

func TestResponsesEventReader_SmallReads(t *testing.T) {
	upstream := "data: {\"type\":\"error\",\"message\":\"boom\"}\n\ndata: [DONE]\n\n"
	r, err := NewResponsesEventReader(sseResponse(strings.NewReader(upstream)), "req-2")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(iotest.OneByteReader(r))
	require.NoError(t, err)
	assert.Equal(t, upstream, string(got))
	assert.Equal(t, "error", r.LastEvent())
}

func TestResponsesEventReader_EndsWithoutMarker(t *testing.T) {
	upstream := "data: {\"type\":\"response.output_text.delta\"}\n\n"
	r, err := NewResponsesEventReader(sseResponse(strings.NewReader(upstream)), "req-3")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, upstream, string(got))
}

func TestResponsesEventReader_EmptyStream(t *testing.T) {
	_, err := NewResponsesEventReader(sseResponse(strings.NewReader("")), "req-4")
	require.ErrorIs(t, err, ErrEmptyStream)
}

func TestResponsesEventReader_UpstreamFailureBeforeFirstEvent(t *testing.T) {
	boom := errors.New("WebSocket connection failed")
	_, err := NewResponsesEventReader(sseResponse(iotest.ErrReader(boom)), "req-5")
	require.ErrorIs(t, err, boom)
}

func TestResponsesEventReader_UpstreamFailureMidStream(t *testing.T) {
	boom := errors.New("WebSocket error")
	body := io.MultiReader(
		strings.NewReader("data: {\"type\":\"response.created\"}\n\n"),
		iotest.ErrReader(boom),
	)
	r, err := NewResponsesEventReader(sseResponse(body), "req-6")
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\n", string(buf[:n]))

	_, err = r.Read(buf)
	require.ErrorIs(t, err, boom)
}

func TestResponsesEventReader_CloseIsIdempotent(t *testing.T) {
	r, err := NewResponsesEventReader(sseResponse(strings.NewReader("data: {}\n\n")), "req-7")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}
