// Package receiver implements the log ingestion endpoint.
//
// The endpoint accepts a single JSON object, a JSON array of objects, or
// newline-delimited JSON, authenticated with a bearer token. Every accepted
// entry becomes exactly one unparsed raw row; nothing is parsed inline.
package receiver

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solhall/logsift/internal/auth"
	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// Payload validation errors.
var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrBatchTooLarge = errors.New("batch too large")
	ErrNotAnObject   = errors.New("entry is not a JSON object")
)

// Receiver handles ingest requests.
type Receiver struct {
	store         storage.Storage
	authenticator *auth.Authenticator
	maxBatchSize  int
	logger        *slog.Logger
}

// New creates a Receiver.
func New(store storage.Storage, authenticator *auth.Authenticator, maxBatchSize int, logger *slog.Logger) *Receiver {
	return &Receiver{
		store:         store,
		authenticator: authenticator,
		maxBatchSize:  maxBatchSize,
		logger:        logger.With("component", "receiver"),
	}
}

// ServeHTTP accepts POSTed log payloads.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := req.Context()

	token, err := rc.authenticator.Authenticate(ctx, bearerToken(req))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	reader := io.Reader(req.Body)
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decompressing body: %v", err))
			return
		}
		defer gz.Close()
		reader = gz
	}

	payloads, err := decodePayloads(reader, rc.maxBatchSize)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	case errors.Is(err, ErrBatchTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error":          "batch too large",
			"max_batch_size": rc.maxBatchSize,
			"received":       len(payloads),
		})
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	now := time.Now().UTC()
	entries := make([]*models.RawEntry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, &models.RawEntry{
			TokenID:    &token.ID,
			RawPayload: string(p),
			ReceivedAt: now,
		})
	}

	if err := rc.store.InsertRawEntries(ctx, entries); err != nil {
		rc.logger.Error("raw insert failed", "count", len(entries), "error", err)
		writeError(w, http.StatusInternalServerError, "storing entries failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(entries)})
}

// decodePayloads splits the request body into individual JSON objects. The
// json decoder consumes concatenated values, which covers both a single
// object and NDJSON; a leading array is expanded instead. Exceeding
// maxBatchSize aborts the whole request: counting completes (so the error
// response can report the received size) but nothing is stored.
func decodePayloads(r io.Reader, maxBatchSize int) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)

	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyPayload
		}
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	var payloads []json.RawMessage
	if isArray(first) {
		if err := json.Unmarshal(first, &payloads); err != nil {
			return nil, fmt.Errorf("decoding array: %w", err)
		}
		if dec.More() {
			return nil, errors.New("trailing data after JSON array")
		}
	} else {
		payloads = append(payloads, first)
		for dec.More() {
			var next json.RawMessage
			if err := dec.Decode(&next); err != nil {
				return nil, fmt.Errorf("decoding JSON line: %w", err)
			}
			payloads = append(payloads, next)
		}
	}

	if len(payloads) == 0 {
		return nil, ErrEmptyPayload
	}
	for _, p := range payloads {
		if !isObject(p) {
			return nil, ErrNotAnObject
		}
	}
	if len(payloads) > maxBatchSize {
		return payloads, ErrBatchTooLarge
	}
	return payloads, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	return strings.HasPrefix(trimmed, "[")
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	return strings.HasPrefix(trimmed, "{")
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
