package handlers

import (
	"context"
	"io"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/contracts"
	"github.com/Egham-7/adaptive-wsproxy/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const relayBufferSize = 32 * 1024

// EventCounter is implemented by readers that can report what they relayed
type EventCounter interface {
	Events() int64
	LastEvent() string
}

// StreamOrchestrator copies frames from a reader to a writer, flushing after
// every read so each event reaches the client as soon as it arrives.
type StreamOrchestrator struct {
	reader    contracts.StreamReader
	requestID string
	onDone    func(contracts.Summary)
}

func NewStreamOrchestrator(reader contracts.StreamReader, requestID string, onDone func(contracts.Summary)) *StreamOrchestrator {
	return &StreamOrchestrator{
		reader:    reader,
		requestID: requestID,
		onDone:    onDone,
	}
}

// Handle relays until the reader ends, the client disconnects or ctx is done.
// It always returns a *contracts.StreamError.
func (s *StreamOrchestrator) Handle(ctx context.Context, writer contracts.StreamWriter) (err error) {
	startTime := time.Now()
	var totalBytes int64

	buf := utils.Get()
	defer utils.Put(buf)
	if cap(buf.B) < relayBufferSize {
		buf.B = make([]byte, relayBufferSize)
	} else {
		buf.B = buf.B[:relayBufferSize]
	}
	buffer := buf.B

	defer func() {
		if cerr := s.reader.Close(); cerr != nil {
			fiberlog.Debugf("[%s] Error closing reader: %v", s.requestID, cerr)
		}
		if werr := writer.Close(); werr != nil && !contracts.IsExpectedError(werr) {
			fiberlog.Errorf("[%s] Error closing writer: %v", s.requestID, werr)
		}

		summary := contracts.Summary{RequestID: s.requestID, Bytes: totalBytes}
		if counter, ok := s.reader.(EventCounter); ok {
			summary.Events = counter.Events()
			summary.LastEvent = counter.LastEvent()
		}
		summary.Outcome, _ = contracts.TypeOf(err)

		duration := time.Since(startTime)
		fiberlog.Infof("[%s] Relay %s: %d events, %d bytes in %v (last event %q)",
			s.requestID, summary.Outcome, summary.Events, totalBytes, duration, summary.LastEvent)
		if s.onDone != nil {
			s.onDone(summary)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return contracts.NewClientDisconnectError(s.requestID)
		default:
		}

		n, rerr := s.reader.Read(buffer)
		if n > 0 {
			if werr := writer.Write(buffer[:n]); werr != nil {
				return asStreamError(s.requestID, "write failed", werr)
			}
			if ferr := writer.Flush(); ferr != nil {
				return asStreamError(s.requestID, "flush failed", ferr)
			}
			totalBytes += int64(n)
		}

		switch {
		case rerr == io.EOF:
			return contracts.NewStreamCompleteError(s.requestID)
		case rerr != nil:
			if ctx.Err() != nil {
				return contracts.NewClientDisconnectError(s.requestID)
			}
			return contracts.NewUpstreamError(s.requestID, rerr)
		}
	}
}

func asStreamError(requestID, message string, err error) error {
	if _, ok := contracts.TypeOf(err); ok {
		return err
	}
	return contracts.NewInternalError(requestID, message, err)
}

func (s *StreamOrchestrator) RequestID() string {
	return s.requestID
}
