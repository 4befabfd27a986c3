package handlers

import (
	"net/http"

	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/contracts"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/readers"
)

// NewResponsesPipeline builds the relay for an upstream Responses event stream.
// The first event is decoded here so a failed upstream is reported before the
// client response is committed.
func NewResponsesPipeline(resp *http.Response, requestID string, onDone func(contracts.Summary)) (contracts.StreamHandler, error) {
	reader, err := readers.NewResponsesEventReader(resp, requestID)
	if err != nil {
		return nil, err
	}
	return NewStreamOrchestrator(reader, requestID, onDone), nil
}
