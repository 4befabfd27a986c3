package wsfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const responsesURL = "https://api.openai.com/v1/responses"

func newStreamingRequest(t *testing.T, ctx context.Context, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responsesURL, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func newTestTransport(u Upgrader, r *reports, opts ...Option) *Transport {
	opts = append([]Option{WithUpgrader(u), WithExchangeHook(r.hook)}, opts...)
	return New(opts...)
}

func TestTransport_StreamsUntilCompleted(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"model":"gpt-4o","input":"hello","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sock := up.socket(t, 0)
	sent := sock.expectSent(t)
	msg := gjson.ParseBytes(sent)
	assert.Equal(t, "response.create", msg.Get("type").String())
	assert.Equal(t, "gpt-4o", msg.Get("model").String())
	assert.Equal(t, "hello", msg.Get("input").String())
	assert.False(t, msg.Get("stream").Exists())

	sock.deliver(`{"type":"response.output_text.delta","delta":"Hi"}`)
	sock.deliver(`{"type":"response.completed","response":{}}`)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hi\"}\n\n"+
			"data: {\"type\":\"response.completed\",\"response\":{}}\n\n"+
			"data: [DONE]\n\n",
		string(got))

	report := rep.next(t)
	assert.Equal(t, "completed", report.Outcome)
	assert.Equal(t, "gpt-4o", report.Model)
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, int64(len(got)), report.Bytes)
	assert.NoError(t, report.Err)
	assert.False(t, tr.Snapshot().Busy)

	call := up.lastCall(t)
	assert.Equal(t, "https://api.openai.com/v1/responses", call.url)
	assert.Equal(t, "websocket", call.header.Get("Upgrade"))
	assert.Equal(t, "Bearer sk-test", call.header.Get("Authorization"))
	assert.Equal(t, BetaValue, call.header.Get(BetaHeader))
}

func TestTransport_ErrorMessageIsTerminal(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"error","error":{"message":"rate limited"}}`)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"error\",\"error\":{\"message\":\"rate limited\"}}\n\ndata: [DONE]\n\n", string(got))
	assert.Equal(t, "completed", rep.next(t).Outcome)
}

func TestTransport_OpaqueMessagesAreForwarded(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`not json`)
	sock.deliver(`{"type":"response.completed"}`)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: not json\n\ndata: {\"type\":\"response.completed\"}\n\ndata: [DONE]\n\n", string(got))
}

func TestTransport_TransportErrorFailsStream(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.created"}`)
	sock.fail(errors.New("connection reset by peer"))

	got, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\n", string(got))
	assert.NotContains(t, string(got), "[DONE]")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)
	assert.Contains(t, err.Error(), "WebSocket error")

	report := rep.next(t)
	assert.Equal(t, "errored", report.Outcome)
	assert.Equal(t, ReadyState(StateClosed), tr.Snapshot().State)
	assert.False(t, tr.Snapshot().Busy)
}

func TestTransport_PeerCloseEndsStreamWithoutMarker(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.created"}`)
	sock.fail(&CloseError{Code: 1000})

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\n", string(got))
	assert.Equal(t, "completed", rep.next(t).Outcome)

	// the closed socket is forgotten and the next exchange reconnects
	resp2, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.EqualValues(t, 2, up.count.Load())
	assert.Equal(t, uint64(2), tr.Snapshot().Generation)
}

func TestTransport_AbnormalCloseFailsStream(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.created"}`)
	sock.fail(&CloseError{Code: CloseAbnormal, Text: "unexpected EOF"})

	got, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\n", string(got))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)
	assert.Equal(t, "errored", rep.next(t).Outcome)
}

func TestCloseError_Orderly(t *testing.T) {
	assert.True(t, (&CloseError{Code: 1000}).Orderly())
	assert.True(t, (&CloseError{Code: 1001}).Orderly())
	assert.False(t, (&CloseError{Code: CloseAbnormal}).Orderly())
}

func TestTransport_ReusesIdleConnection(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	for i := range 3 {
		resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
		require.NoError(t, err, "exchange %d", i)

		sock := up.socket(t, 0)
		sock.expectSent(t)
		sock.deliver(`{"type":"response.completed"}`)

		_, err = io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		rep.next(t)
	}

	assert.EqualValues(t, 1, up.count.Load())
	snap := tr.Snapshot()
	assert.True(t, snap.Connected)
	assert.False(t, snap.Busy)
}

func TestTransport_RejectsWhileBusy(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	up.socket(t, 0).expectSent(t)

	_, err = tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.ErrorIs(t, err, ErrConnectionBusy)
	assert.EqualValues(t, 1, up.count.Load())
	assert.True(t, tr.Snapshot().Busy)
}

func TestTransport_CancelMidStream(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := tr.RoundTrip(newStreamingRequest(t, ctx, `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.created"}`)

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\n", string(buf[:n]))

	cancel()

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, context.Canceled)

	report := rep.next(t)
	assert.Equal(t, "aborted", report.Outcome)
	assert.False(t, tr.Snapshot().Busy)

	// late messages on the shared socket go nowhere
	sock.deliver(`{"type":"response.output_text.delta"}`)
	rep.none(t)

	// and the connection is reused by the next exchange
	resp2, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	sock.expectSent(t)
	assert.EqualValues(t, 1, up.count.Load())
}

func TestTransport_CancelCause(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	reason := errors.New("user went away")
	ctx, cancel := context.WithCancelCause(context.Background())
	resp, err := tr.RoundTrip(newStreamingRequest(t, ctx, `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	up.socket(t, 0).expectSent(t)

	cancel(reason)

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, reason)
}

func TestTransport_AlreadyCancelledSkipsSend(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	// establish an idle connection first
	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.completed"}`)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	rep.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err = tr.RoundTrip(newStreamingRequest(t, ctx, `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, ErrAborted)
	sock.expectNothingSent(t)

	assert.Equal(t, "aborted", rep.next(t).Outcome)
	assert.False(t, tr.Snapshot().Busy)
}

func TestTransport_ClosingBodyAborts(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	up.socket(t, 0).expectSent(t)

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	report := rep.next(t)
	assert.Equal(t, "aborted", report.Outcome)
	assert.ErrorIs(t, report.Err, ErrBodyClosed)
	assert.False(t, tr.Snapshot().Busy)
}

func TestTransport_CleanupRunsOnce(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := tr.RoundTrip(newStreamingRequest(t, ctx, `{"stream":true}`))
	require.NoError(t, err)

	sock := up.socket(t, 0)
	sock.expectSent(t)
	sock.deliver(`{"type":"response.completed"}`)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	rep.next(t)

	cancel()
	require.NoError(t, resp.Body.Close())
	sock.fail(errors.New("late failure"))
	rep.none(t)
}

func TestTransport_SendFailureIsTransportError(t *testing.T) {
	sock := newFakeSocket()
	sock.writeErr = errors.New("write: broken pipe")
	up := UpgraderFunc(func(context.Context, string, http.Header) (Socket, error) {
		return sock, nil
	})
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)
	assert.Equal(t, "errored", rep.next(t).Outcome)
	assert.False(t, tr.Snapshot().Busy)
}

func TestTransport_ConnectionFailure(t *testing.T) {
	up := newFakeUpgrader()
	up.err = errors.New("handshake rejected with status 401")
	rep := newReports()
	tr := newTestTransport(up, rep)

	_, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, "errored", rep.next(t).Outcome)

	snap := tr.Snapshot()
	assert.False(t, snap.Connecting)
	assert.False(t, snap.Busy)

	// no retry happens on its own, but the next call tries again
	up.mu.Lock()
	up.err = nil
	up.mu.Unlock()
	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.EqualValues(t, 2, up.count.Load())
}

func TestTransport_NilSocketIsConnectionError(t *testing.T) {
	up := newFakeUpgrader()
	up.noSock = true
	tr := newTestTransport(up, newReports())

	_, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.ErrorIs(t, err, ErrNoSocket)
	assert.True(t, IsConnectionError(err))
}

func TestTransport_ConcurrentCallersShareEstablishment(t *testing.T) {
	up := newFakeUpgrader()
	up.gate = make(chan struct{})
	tr := newTestTransport(up, newReports())

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	call := func() {
		defer wg.Done()
		resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
		results <- result{resp, err}
	}

	wg.Add(1)
	go call()
	<-up.started

	wg.Add(1)
	go call()
	require.Eventually(t, func() bool { return tr.Snapshot().Waiters == 2 }, 2*time.Second, 5*time.Millisecond)

	close(up.gate)
	wg.Wait()
	close(results)

	var ok, busy int
	for r := range results {
		if r.err == nil {
			ok++
			r.resp.Body.Close()
			continue
		}
		require.ErrorIs(t, r.err, ErrConnectionBusy)
		busy++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
	assert.EqualValues(t, 1, up.count.Load())
}

func TestTransport_WaiterCancellation(t *testing.T) {
	up := newFakeUpgrader()
	up.gate = make(chan struct{})
	tr := newTestTransport(up, newReports())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.RoundTrip(newStreamingRequest(t, ctx, `{"stream":true}`))
		errCh <- err
	}()
	<-up.started

	cancel()
	err := <-errCh
	require.ErrorIs(t, err, ErrAborted)

	// the establishment itself survives the departed waiter
	assert.True(t, tr.Snapshot().Connecting)
	close(up.gate)
	require.Eventually(t, func() bool { return tr.Snapshot().Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	up := newFakeUpgrader()
	rep := newReports()
	tr := newTestTransport(up, rep)

	resp, err := tr.RoundTrip(newStreamingRequest(t, context.Background(), `{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	up.socket(t, 0).expectSent(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "completed", rep.next(t).Outcome)
	assert.False(t, tr.Snapshot().Connected)
}

func TestTransport_PassThrough(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	up := newFakeUpgrader()
	tr := newTestTransport(up, newReports())
	client := &http.Client{Transport: tr}

	requests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/v1/models", ""},
		{http.MethodPost, "/v1/chat/completions", `{"stream":true}`},
		{http.MethodPost, "/v1/responses", `{"stream":false}`},
		{http.MethodPost, "/v1/responses", `{"stream":`},
	}

	for _, r := range requests {
		var body io.Reader
		if r.body != "" {
			body = strings.NewReader(r.body)
		}
		req, err := http.NewRequest(r.method, upstream.URL+r.path, body)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.JSONEq(t, `{"ok":true}`, string(got))
	}

	assert.Equal(t, []string{
		"GET /v1/models ",
		`POST /v1/chat/completions {"stream":true}`,
		`POST /v1/responses {"stream":false}`,
		`POST /v1/responses {"stream":`,
	}, seen)
	assert.EqualValues(t, 0, up.count.Load())
}
