package kanri

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamState names the reconnection client's current state.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamBackingOff   StreamState = "backing_off"
	StreamGivingUp     StreamState = "giving_up"
)

// Stream reconnection defaults.
const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// StreamOptions configure StreamRun. The zero value is usable.
type StreamOptions struct {
	// LastEventID resumes the stream strictly after this event id.
	// Zero starts from the beginning of the run's log.
	LastEventID int64

	// MaxAttempts bounds consecutive reconnect attempts before giving up.
	// Defaults to 10. The counter resets every time an event is delivered.
	MaxAttempts int

	// BaseDelay is the backoff base. Defaults to 1s; a retry hint from the
	// server overrides it.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration

	// OnStateChange, when set, observes every state transition. Called
	// synchronously from the streaming goroutine; keep it fast.
	OnStateChange func(state StreamState, attempt int)
}

// StreamRun subscribes to a run's event stream and invokes handler for every
// event, in strictly increasing id order with no duplicates.
//
// The connection is maintained across interruptions: on an unexpected close
// the client backs off exponentially and resubscribes with the last
// processed event id, so no events are lost. StreamRun blocks until one of:
//
//   - the run reaches a terminal state and the server closes the stream
//     (returns nil),
//   - ctx is cancelled (returns ctx.Err(); no retry is scheduled),
//   - the reconnect attempt budget is exhausted (returns an error wrapping
//     ErrGivingUp), or
//   - the server rejects the subscription outright, e.g. unknown run or
//     insufficient role (returns the API error; not retried).
func (c *Client) StreamRun(ctx context.Context, runID uuid.UUID, opts *StreamOptions, handler func(Event)) error {
	var o StreamOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}

	s := &streamSession{
		client:  c,
		runID:   runID,
		opts:    o,
		lastID:  o.LastEventID,
		handler: handler,
		base:    o.BaseDelay,
	}
	return s.run(ctx)
}

// streamSession holds the state of one StreamRun call across reconnects.
type streamSession struct {
	client  *Client
	runID   uuid.UUID
	opts    StreamOptions
	handler func(Event)

	lastID   int64
	base     time.Duration // current backoff base; server retry hints update it
	attempt  int           // consecutive failed attempts
	terminal bool          // a run-terminal event has been delivered
}

func (s *streamSession) setState(state StreamState) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state, s.attempt)
	}
}

func (s *streamSession) run(ctx context.Context) error {
	var lastErr error
	for {
		s.setState(StreamConnecting)
		err := s.connectAndTail(ctx)
		if err == nil {
			// Clean close after the run ended; nothing left to stream.
			s.setState(StreamDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			s.setState(StreamDisconnected)
			return ctx.Err()
		}
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			// The server refused the subscription; retrying cannot help.
			s.setState(StreamDisconnected)
			return err
		}

		lastErr = err
		s.attempt++
		if s.attempt >= s.opts.MaxAttempts {
			s.setState(StreamGivingUp)
			return fmt.Errorf("%w: last error: %v", ErrGivingUp, lastErr)
		}

		s.setState(StreamBackingOff)
		delay := backoffDelay(s.attempt, s.base, s.opts.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StreamDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectAndTail opens one subscription and reads frames until the stream
// closes. Returns nil only for a clean close (the run reached a terminal
// state before the server hung up).
func (s *streamSession) connectAndTail(ctx context.Context) error {
	token, err := s.client.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.client.baseURL+"/v1/runs/"+s.runID.String()+"/stream", nil)
	if err != nil {
		return fmt.Errorf("kanri: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	if s.lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(s.lastID, 10))
	}

	resp, err := s.client.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("kanri: stream connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return parseErrorResponse(resp.StatusCode, body)
	}

	s.setState(StreamConnected)

	parser := newSSEParser(resp.Body)
	for {
		frame, err := parser.next()
		if err != nil {
			if s.terminal && errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kanri: stream interrupted: %w", err)
		}
		if frame.retry > 0 {
			s.base = frame.retry
		}
		if frame.event == "" && frame.data == "" {
			continue // keepalive or retry-only frame
		}
		if frame.event == EventStreamError {
			// Terminal server-side failure; the close that follows is the
			// signal to resubscribe from the last processed id.
			return fmt.Errorf("kanri: stream error from server: %s", frame.data)
		}

		var ev Event
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			return fmt.Errorf("kanri: decode stream event: %w", err)
		}
		// Replay overlap after a resume; ids are strictly increasing, so
		// anything at or below the watermark is a duplicate.
		if ev.ID <= s.lastID {
			continue
		}
		s.handler(ev)
		s.lastID = ev.ID
		s.attempt = 0
		switch ev.Type {
		case EventRunCompleted, EventRunFailed, EventRunCancelled:
			s.terminal = true
		}
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max) for attempt >= 1.
// With the defaults the schedule is 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// ---------------------------------------------------------------------------
// SSE wire parsing
// ---------------------------------------------------------------------------

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id    string
	event string
	data  string
	retry time.Duration
}

type sseParser struct {
	r *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{r: bufio.NewReader(r)}
}

// next reads lines until a blank line completes a frame. Comment lines
// (leading colon) mark keepalives and produce an empty frame.
func (p *sseParser) next() (sseFrame, error) {
	var frame sseFrame
	var dataLines []string
	sawLine := false

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawLine {
				continue // stray blank line between frames
			}
			frame.data = strings.Join(dataLines, "\n")
			return frame, nil
		}
		sawLine = true

		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.id = value
		case "event":
			frame.event = value
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				frame.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
