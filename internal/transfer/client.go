package transfer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"boxd/internal/eventbus"
	"boxd/internal/transport"
	"boxd/pkg/types"
)

// Event names published by the client role.
const (
	EventFetchStarted  = "file.fetch_started"
	EventFetchRange    = "file.fetch_range"
	EventFetchComplete = "file.fetch_complete"
	EventFetchError    = "file.fetch_error"
)

// ClientEvents are the bus events the client role publishes through.
type ClientEvents struct {
	Started  *eventbus.Event
	Range    *eventbus.Event
	Complete *eventbus.Event
	Error    *eventbus.Event
}

// NewClientEvents creates and registers the client role's events.
func NewClientEvents(reg *eventbus.Registry, log zerolog.Logger) ClientEvents {
	return ClientEvents{
		Started:  reg.Register(eventbus.New(EventFetchStarted, "Fetch session started", "transfer", log)),
		Range:    reg.Register(eventbus.New(EventFetchRange, "Fetch chunk written", "transfer", log)),
		Complete: reg.Register(eventbus.New(EventFetchComplete, "Fetch session finished", "transfer", log)),
		Error:    reg.Register(eventbus.New(EventFetchError, "Fetch session failed", "transfer", log)),
	}
}

// ClientConfig carries the client role's protocol parameters.
type ClientConfig struct {
	Base          string // topic namespace
	DefaultSource string // device asked when a fetch names no source
	ChunkSize     int
	Retry         time.Duration // resend a request after this much silence
	Timeout       time.Duration // abort the session after this much inactivity
}

// session is the state of the one in-flight fetch. Sessions do not survive
// restarts: the destination is truncated when the session is created.
type session struct {
	file        string
	dest        string
	source      string
	resultTopic string
	f           *os.File
	pos         int64
	chunk       int

	lastSend   time.Time
	lastActive time.Time // session start or last accepted chunk
	sentForPos bool      // a request for the current pos has been sent
}

// Client drives at most one fetch session. All methods run on the
// controller goroutine; transport callbacks are funneled through enqueue.
type Client struct {
	tr      transport.Transport
	cfg     ClientConfig
	events  ClientEvents
	log     zerolog.Logger
	enqueue func(func())
	now     func() time.Time

	sess *session
}

// NewClient builds the client role.
func NewClient(tr transport.Transport, cfg ClientConfig, events ClientEvents, enqueue func(func()), log zerolog.Logger) *Client {
	return &Client{
		tr:      tr,
		cfg:     cfg,
		events:  events,
		log:     log.With().Str("component", "transfer.client").Logger(),
		enqueue: enqueue,
		now:     time.Now,
	}
}

// Active reports whether a session is in flight.
func (c *Client) Active() bool { return c.sess != nil }

// Status returns a snapshot of the current session.
func (c *Client) Status() types.FetchStatus {
	if c.sess == nil {
		return types.FetchStatus{}
	}
	return types.FetchStatus{
		Active: true,
		File:   c.sess.file,
		Dest:   c.sess.dest,
		Bytes:  c.sess.pos,
		Chunk:  c.sess.chunk,
	}
}

// Fetch starts a session downloading file from source into dest. It fails
// with a busy error if a session is already active. The destination (and
// any missing parent directories) is created and truncated immediately;
// the first Range Request goes out on the next Step.
func (c *Client) Fetch(file, dest string, chunk int, source string) error {
	if c.sess != nil {
		return ErrBusy(c.sess.file)
	}
	if file == "" {
		return fmt.Errorf("fetch: empty file name")
	}
	if dest == "" {
		dest = filepath.Base(file)
	}
	if chunk <= 0 {
		chunk = c.cfg.ChunkSize
	}
	if source == "" {
		source = c.cfg.DefaultSource
	}

	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("fetch: create dest dir: %w", err)
		}
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fetch: create dest: %w", err)
	}

	topic := ResultTopic(c.cfg.Base, source)
	err = c.tr.Subscribe(topic, func(msg transport.Message) {
		payload := msg.Payload
		c.enqueue(func() { c.HandleResultPayload(payload) })
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("fetch: subscribe %s: %w", topic, err)
	}

	c.sess = &session{
		file:        file,
		dest:        dest,
		source:      source,
		resultTopic: topic,
		f:           f,
		chunk:       chunk,
		lastActive:  c.now(),
	}
	c.log.Info().Str("file", file).Str("dest", dest).Str("source", source).Int("chunk", chunk).Msg("fetch started")
	c.events.Started.Publish(map[string]any{
		"file":   file,
		"dest":   dest,
		"source": source,
	})
	return nil
}

// Step advances the session: it aborts on timeout, and (re)sends the Range
// Request for the current write position when none has been sent yet or
// the retry interval has elapsed since the last send. Resending the
// identical request is the loss-recovery mechanism for both directions.
func (c *Client) Step(now time.Time) {
	s := c.sess
	if s == nil {
		return
	}
	if now.Sub(s.lastActive) > c.cfg.Timeout {
		timeoutsTotal.Inc()
		c.fail(fmt.Sprintf("timeout after %d bytes: no response from %s", s.pos, s.source))
		return
	}
	if !s.sentForPos || now.Sub(s.lastSend) >= c.cfg.Retry {
		if s.sentForPos {
			retriesTotal.Inc()
		}
		c.sendRequest(s, now)
	}
}

func (c *Client) sendRequest(s *session, now time.Time) {
	req := types.RangeRequest{File: s.file, Start: s.pos, Length: s.chunk}
	b, err := json.Marshal(req)
	if err != nil {
		c.fail("encode request: " + err.Error())
		return
	}
	// Mark the send before publishing: a loopback transport can deliver
	// the response (and advance the session) inside Publish.
	s.lastSend = now
	s.sentForPos = true
	if err := c.tr.Publish(FetchTopic(c.cfg.Base, s.source), b); err != nil {
		// Best-effort transport; leave the retry timer to try again.
		s.sentForPos = false
		c.log.Warn().Err(err).Str("file", s.file).Msg("publish range request failed")
	}
}

// HandleResultPayload decodes one raw Range Response message. Undecodable
// payloads are dropped like any other foreign traffic on the topic.
func (c *Client) HandleResultPayload(payload []byte) {
	var resp types.RangeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed range response")
		return
	}
	c.HandleResponse(resp)
}

// HandleResponse applies one Range Response to the session. Responses for
// the wrong file or the wrong offset are stale or duplicate deliveries and
// are discarded without touching session state.
func (c *Client) HandleResponse(resp types.RangeResponse) {
	s := c.sess
	if s == nil {
		return
	}
	if resp.File != s.file || resp.Start != s.pos {
		c.log.Debug().Str("file", resp.File).Int64("start", resp.Start).
			Int64("want", s.pos).Msg("discarding stale range response")
		return
	}
	if resp.Error != "" {
		c.fail("remote error: " + resp.Error)
		return
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		c.fail("decode chunk: " + err.Error())
		return
	}
	if len(data) != resp.Size {
		c.fail(fmt.Sprintf("chunk size mismatch: header %d, payload %d", resp.Size, len(data)))
		return
	}
	if resp.Size == 0 && !resp.EOF {
		// Violates the protocol's short-read invariant; ignore it like
		// any other stale delivery.
		return
	}

	if len(data) > 0 {
		if _, err := s.f.Write(data); err != nil {
			c.fail("write chunk: " + err.Error())
			return
		}
	}
	s.pos += int64(resp.Size)
	s.lastActive = c.now()
	s.sentForPos = false
	chunksReceivedTotal.Inc()
	c.events.Range.Publish(map[string]any{
		"file":  s.file,
		"dest":  s.dest,
		"bytes": s.pos,
	})

	if resp.EOF {
		c.finish(s)
	}
}

func (c *Client) finish(s *session) {
	if err := s.f.Close(); err != nil {
		c.fail("close dest: " + err.Error())
		return
	}
	c.teardown(s)
	fetchesTotal.WithLabelValues("ok").Inc()
	c.log.Info().Str("file", s.file).Str("dest", s.dest).Int64("bytes", s.pos).Msg("fetch complete")
	c.events.Complete.Publish(map[string]any{
		"file":  s.file,
		"dest":  s.dest,
		"bytes": s.pos,
	})
}

func (c *Client) fail(msg string) {
	s := c.sess
	s.f.Close()
	c.teardown(s)
	fetchesTotal.WithLabelValues("error").Inc()
	c.log.Warn().Str("file", s.file).Str("dest", s.dest).Msg("fetch failed: " + msg)
	c.events.Error.Publish(map[string]any{
		"file":  s.file,
		"dest":  s.dest,
		"error": msg,
	})
}

// teardown clears the session before events fire so that handlers may
// start a new fetch immediately.
func (c *Client) teardown(s *session) {
	if err := c.tr.Unsubscribe(s.resultTopic); err != nil {
		c.log.Warn().Err(err).Str("topic", s.resultTopic).Msg("unsubscribe failed")
	}
	c.sess = nil
}
