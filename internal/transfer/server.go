// Package transfer implements the chunked file transfer protocol: a server
// role that answers byte-range requests for local files, and a client role
// that drives a single resumable-by-retry fetch session. Both roles speak
// JSON Range Request/Response messages over the pub/sub transport and
// surface progress through event bus events.
package transfer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"boxd/internal/eventbus"
	"boxd/internal/transport"
	"boxd/pkg/types"
)

// Event names published by the server role.
const (
	EventRequest    = "file.request"
	EventRangeSent  = "file.range_sent"
	EventRangeError = "file.range_error"
)

// MaxRangeLength bounds the chunk size a request may ask for. The read
// buffer is allocated at the requested length, so an unbounded value from
// the network would let one message exhaust or crash the process.
const MaxRangeLength = 4 << 20

// ServerEvents are the bus events the server role publishes through.
type ServerEvents struct {
	Request    *eventbus.Event
	RangeSent  *eventbus.Event
	RangeError *eventbus.Event
}

// NewServerEvents creates and registers the server role's events.
func NewServerEvents(reg *eventbus.Registry, log zerolog.Logger) ServerEvents {
	return ServerEvents{
		Request:    reg.Register(eventbus.New(EventRequest, "Range Request received", "transfer", log)),
		RangeSent:  reg.Register(eventbus.New(EventRangeSent, "Range Response served", "transfer", log)),
		RangeError: reg.Register(eventbus.New(EventRangeError, "Range Request failed", "transfer", log)),
	}
}

// Server answers Range Requests addressed to this device with chunks of
// files under the managed root.
type Server struct {
	tr      transport.Transport
	base    string
	device  string
	root    string
	events  ServerEvents
	log     zerolog.Logger
	enqueue func(func())
}

// NewServer builds the server role. enqueue hands work to the controller
// loop; transport callbacks never touch server state directly.
func NewServer(tr transport.Transport, base, device, root string, events ServerEvents, enqueue func(func()), log zerolog.Logger) *Server {
	return &Server{
		tr:      tr,
		base:    base,
		device:  device,
		root:    root,
		events:  events,
		log:     log.With().Str("component", "transfer.server").Logger(),
		enqueue: enqueue,
	}
}

// Start subscribes to this device's fetch topic.
func (s *Server) Start() error {
	topic := FetchTopic(s.base, s.device)
	err := s.tr.Subscribe(topic, func(msg transport.Message) {
		payload := msg.Payload
		s.enqueue(func() { s.HandleRequestPayload(payload) })
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.log.Info().Str("topic", topic).Msg("serving file ranges")
	return nil
}

// HandleRequestPayload decodes and serves one raw Range Request message.
// Malformed payloads are dropped; the requester's retry loop covers them.
func (s *Server) HandleRequestPayload(payload []byte) {
	var req types.RangeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed range request")
		return
	}
	s.HandleRequest(req)
}

// HandleRequest serves one Range Request and publishes the response on
// this device's result topic.
func (s *Server) HandleRequest(req types.RangeRequest) {
	s.events.Request.Publish(map[string]any{
		"file":   req.File,
		"start":  req.Start,
		"length": req.Length,
	})

	resp, err := s.read(req)
	if err != nil {
		resp = types.RangeResponse{
			File:   req.File,
			Start:  req.Start,
			Length: req.Length,
			Size:   0,
			EOF:    true,
			Error:  err.Error(),
		}
	}

	if perr := s.publish(resp); perr != nil {
		s.log.Warn().Err(perr).Str("file", req.File).Msg("publish range response failed")
		return
	}

	if resp.Error != "" {
		rangeErrorsTotal.Inc()
		s.events.RangeError.Publish(map[string]any{
			"file":  req.File,
			"start": req.Start,
			"error": resp.Error,
		})
		return
	}
	rangesServedTotal.Inc()
	s.events.RangeSent.Publish(map[string]any{
		"file":  req.File,
		"start": req.Start,
		"size":  resp.Size,
		"eof":   resp.EOF,
	})
}

func (s *Server) read(req types.RangeRequest) (types.RangeResponse, error) {
	var resp types.RangeResponse
	if req.File == "" || req.Start < 0 || req.Length <= 0 {
		return resp, fmt.Errorf("bad range request: file=%q start=%d length=%d", req.File, req.Start, req.Length)
	}
	if req.Length > MaxRangeLength {
		return resp, fmt.Errorf("range length %d exceeds limit %d", req.Length, MaxRangeLength)
	}
	rel := filepath.FromSlash(req.File)
	if !filepath.IsLocal(rel) {
		return resp, fmt.Errorf("bad file path: %s", req.File)
	}

	f, err := os.Open(filepath.Join(s.root, rel))
	if err != nil {
		return resp, fmt.Errorf("open: %v", err)
	}
	defer f.Close()

	buf := make([]byte, req.Length)
	n, err := f.ReadAt(buf, req.Start)
	if err != nil && err != io.EOF {
		return resp, fmt.Errorf("read: %v", err)
	}
	// A seek beyond end-of-file reads zero bytes, which is a valid
	// empty EOF chunk rather than an error.
	return types.RangeResponse{
		File:   req.File,
		Start:  req.Start,
		Length: req.Length,
		Size:   n,
		Data:   base64.StdEncoding.EncodeToString(buf[:n]),
		EOF:    n < req.Length,
	}, nil
}

func (s *Server) publish(resp types.RangeResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.tr.Publish(ResultTopic(s.base, s.device), b)
}
