// Package service is the action dispatcher behind POST /api/relay: it
// decodes the `{action, …}` envelope, routes to the relay and rendezvous
// engines, and maps every outcome to a frozen (status, body) pair.
package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/relay"
	"github.com/qsafevault/qsafevault-server/rendezvous"
)

// Response is one dispatch outcome. Body marshals to the wire verbatim.
type Response struct {
	Status int
	Body   any
}

// Service routes relay actions to the engines.
type Service struct {
	relay *relay.Engine
	rdv   *rendezvous.Engine
}

// New wires the dispatcher to its engines.
func New(relayEngine *relay.Engine, rdvEngine *rendezvous.Engine) (*Service, error) {
	if relayEngine == nil {
		return nil, errors.New("service: nil relay engine")
	}
	if rdvEngine == nil {
		return nil, errors.New("service: nil rendezvous engine")
	}
	return &Service{relay: relayEngine, rdv: rdvEngine}, nil
}

// request is the superset of every action's fields.
type request struct {
	Action       string          `json:"action"`
	Pin          string          `json:"pin"`
	PasswordHash string          `json:"passwordHash"`
	ChunkIndex   *int            `json:"chunkIndex"`
	TotalChunks  *int            `json:"totalChunks"`
	Data         string          `json:"data"`
	InviteCode   string          `json:"inviteCode"`
	PeerID       string          `json:"peerId"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

type statusBody struct {
	Status string `json:"status"`
}

type receiveBody struct {
	Status string       `json:"status"`
	Chunk  *relay.Chunk `json:"chunk,omitempty"`
}

type ackBody struct {
	OK bool `json:"ok"`
}

type ackStatusBody struct {
	Acknowledged bool `json:"acknowledged"`
}

type registerBody struct {
	Status string `json:"status"`
	TTLSec int    `json:"ttlSec"`
}

type lookupBody struct {
	PeerID string `json:"peerId"`
}

type pollBody struct {
	Messages []rendezvous.Message `json:"messages"`
}

// Dispatch decodes one action envelope and executes it.
func (s *Service) Dispatch(ctx context.Context, body []byte) Response {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Action == "" {
		return errorResponse(qverrors.CodeMissingAction)
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(qverrors.CodeMissingFields)
	}
	switch req.Action {
	case "send":
		return s.send(ctx, &req)
	case "receive":
		return s.receive(ctx, &req)
	case "ack":
		return s.ack(ctx, &req)
	case "ack-status":
		return s.ackStatus(ctx, &req)
	case "register":
		return s.register(ctx, &req)
	case "lookup":
		return s.lookup(ctx, &req)
	case "signal":
		return s.signal(ctx, &req)
	case "poll":
		return s.poll(ctx, &req)
	default:
		return errorResponse(qverrors.CodeUnknownAction)
	}
}

func (s *Service) send(ctx context.Context, req *request) Response {
	if req.Pin == "" || req.PasswordHash == "" || req.ChunkIndex == nil || req.TotalChunks == nil || req.Data == "" {
		return errorResponse(qverrors.CodeMissingFields)
	}
	err := s.relay.Push(ctx, req.Pin, req.PasswordHash, *req.ChunkIndex, *req.TotalChunks, req.Data)
	if err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: statusBody{Status: "waiting"}}
}

func (s *Service) receive(ctx context.Context, req *request) Response {
	if req.Pin == "" || req.PasswordHash == "" {
		return errorResponse(qverrors.CodeMissingPinOrPasswordHash)
	}
	res, err := s.relay.Next(ctx, req.Pin, req.PasswordHash)
	if err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: receiveBody{Status: string(res.Status), Chunk: res.Chunk}}
}

func (s *Service) ack(ctx context.Context, req *request) Response {
	if req.Pin == "" || req.PasswordHash == "" {
		return errorResponse(qverrors.CodeMissingFields)
	}
	if err := s.relay.SetAck(ctx, req.Pin, req.PasswordHash); err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: ackBody{OK: true}}
}

func (s *Service) ackStatus(ctx context.Context, req *request) Response {
	if req.Pin == "" || req.PasswordHash == "" {
		return errorResponse(qverrors.CodeMissingFields)
	}
	acked, err := s.relay.GetAck(ctx, req.Pin, req.PasswordHash)
	if err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: ackStatusBody{Acknowledged: acked}}
}

func (s *Service) register(ctx context.Context, req *request) Response {
	if req.InviteCode == "" || req.PeerID == "" {
		return errorResponse(qverrors.CodeMissingFields)
	}
	if err := s.rdv.Register(ctx, req.InviteCode, req.PeerID); err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: registerBody{
		Status: "registered",
		TTLSec: int(s.rdv.PeerTTL().Seconds()),
	}}
}

func (s *Service) lookup(ctx context.Context, req *request) Response {
	if req.InviteCode == "" {
		return errorResponse(qverrors.CodeMissingInviteCode)
	}
	peer, err := s.rdv.Lookup(ctx, req.InviteCode)
	if err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: lookupBody{PeerID: peer}}
}

func (s *Service) signal(ctx context.Context, req *request) Response {
	if req.From == "" || req.To == "" || req.Type == "" || len(req.Payload) == 0 {
		return errorResponse(qverrors.CodeMissingFields)
	}
	if err := s.rdv.Signal(ctx, req.From, req.To, req.Type, req.Payload); err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: statusBody{Status: "queued"}}
}

func (s *Service) poll(ctx context.Context, req *request) Response {
	if req.PeerID == "" {
		return errorResponse(qverrors.CodeMissingPeerID)
	}
	msgs, err := s.rdv.Poll(ctx, req.PeerID)
	if err != nil {
		return errorFrom(err)
	}
	return Response{Status: 200, Body: pollBody{Messages: msgs}}
}

// errorFrom maps an engine error to the wire. Responses carry the stable
// code and never the underlying cause.
func errorFrom(err error) Response {
	code := qverrors.CodeOf(err)
	if code == qverrors.CodeInternalError {
		code = qverrors.CodeServerError
	}
	return errorResponse(code)
}

func errorResponse(code qverrors.Code) Response {
	body := map[string]any{"error": string(code)}
	switch code {
	case qverrors.CodeDuplicateChunk, qverrors.CodeTotalChunksMismatch:
		// The sender treats a rejected chunk like a pending channel and
		// keeps its receive loop running.
		body["status"] = "waiting"
	}
	return Response{Status: qverrors.HTTPStatus(code), Body: body}
}
