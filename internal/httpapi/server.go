package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/calls"
	"github.com/antoniostano/vocalis/internal/config"
	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/rooms"
	"github.com/antoniostano/vocalis/internal/voice"
)

// Server exposes the engine's control surface: room join/leave/broadcast,
// call lifecycle, stats, and history.
type Server struct {
	cfg      config.Config
	rooms    *rooms.Manager
	calls    *calls.Manager
	latency  *observability.LatencyWindow
	generate voice.ReplyGenerator
	tts      voice.TTSProvider
	log      *zap.Logger
}

func New(cfg config.Config, roomMgr *rooms.Manager, callMgr *calls.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		rooms: roomMgr,
		calls: callMgr,
		log:   logger,
	}
}

// WithLatencyWindow attaches a response latency window to the stats surface.
func (s *Server) WithLatencyWindow(w *observability.LatencyWindow) *Server {
	s.latency = w
	return s
}

// WithResponder enables the respond endpoints, which generate a reply and
// speak it into a room or call.
func (s *Server) WithResponder(gen voice.ReplyGenerator, tts voice.TTSProvider) *Server {
	s.generate = gen
	s.tts = tts
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/rooms/join", s.handleJoinRoom)
	r.Post("/v1/rooms/leave", s.handleLeaveRoom)
	r.Post("/v1/rooms/broadcast", s.handleBroadcast)
	r.Post("/v1/rooms/respond", s.handleRoomRespond)
	r.Get("/v1/rooms", s.handleListRooms)
	r.Get("/v1/rooms/status", s.handleRoomStatus)

	r.Post("/v1/calls", s.handleInitiateCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Post("/v1/calls/{peer}/accept", s.handleAcceptCall)
	r.Post("/v1/calls/{peer}/decline", s.handleDeclineCall)
	r.Post("/v1/calls/{peer}/end", s.handleEndCall)
	r.Post("/v1/calls/{peer}/respond", s.handleCallRespond)
	r.Get("/v1/calls/{peer}", s.handleCallStatus)
	r.Get("/v1/calls/history", s.handleCallHistory)

	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/stats/latency", s.handleLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type roomRequest struct {
	RoomID    string `json:"room_id"`
	ChannelID string `json:"channel_id"`
}

func (r roomRequest) validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return errors.New("room_id is required")
	}
	if strings.TrimSpace(r.ChannelID) == "" {
		return errors.New("channel_id is required")
	}
	return nil
}

type roomStatusResponse struct {
	RoomID       string                `json:"room_id"`
	ChannelID    string                `json:"channel_id"`
	Connected    bool                  `json:"connected"`
	Stats        voice.ConnectionStats `json:"stats"`
	Participants []voice.Participant   `json:"participants"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conn, err := s.rooms.Join(r.Context(), req.RoomID, req.ChannelID)
	if err != nil {
		s.respondRoomError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, roomStatusResponse{
		RoomID:       req.RoomID,
		ChannelID:    req.ChannelID,
		Connected:    conn.Connected(),
		Stats:        conn.Stats(),
		Participants: conn.Participants(),
	})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	left := s.rooms.Leave(req.RoomID, req.ChannelID)
	respondJSON(w, http.StatusOK, map[string]any{"left": left})
}

type broadcastRequest struct {
	roomRequest
	PCMBase64 string `json:"pcm_base64"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.PCMBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", "pcm_base64 is not valid base64")
		return
	}
	if len(pcm) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_audio", "pcm_base64 is empty")
		return
	}

	n, err := s.rooms.Broadcast(r.Context(), req.RoomID, req.ChannelID, pcm)
	if err != nil {
		s.respondRoomError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"bytes_sent": n})
}

type respondRequest struct {
	roomRequest
	Input string `json:"input"`
}

func (s *Server) handleRoomRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}

	conn, err := s.rooms.Get(req.RoomID, req.ChannelID)
	if err != nil {
		s.respondRoomError(w, err)
		return
	}
	s.speak(w, r, conn, req.Input)
}

func (s *Server) handleCallRespond(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peer")
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}

	conn, err := s.calls.Get(peerID)
	if err != nil {
		s.respondCallError(w, err)
		return
	}
	s.speak(w, r, conn, req.Input)
}

// speak runs one generate-and-play round against the given output.
func (s *Server) speak(w http.ResponseWriter, r *http.Request, player voice.Player, input string) {
	if s.generate == nil || s.tts == nil {
		respondError(w, http.StatusServiceUnavailable, "responder_unavailable", "no reply backend configured")
		return
	}

	responder := voice.NewResponder(voice.ResponderConfig{
		Generate:        s.generate,
		TTS:             s.tts,
		Player:          player,
		Logger:          s.log,
		Latency:         s.latency,
		GenerateTimeout: s.cfg.GenerateTimeout,
		MaxChunkChars:   s.cfg.MaxChunkChars,
		Voice:           s.cfg.Voice,
	})
	res, err := responder.Respond(r.Context(), input)
	if err != nil {
		var synthErr *voice.SynthesisError
		switch {
		case errors.Is(err, voice.ErrGenerateTimeout):
			respondError(w, http.StatusGatewayTimeout, "generate_timeout", err.Error())
		case errors.As(err, &synthErr):
			respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "respond_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"text":          res.Text,
		"chunks":        res.Chunks,
		"chunks_played": res.ChunksPlayed,
		"bytes_sent":    res.BytesSent,
		"interrupted":   res.Interrupted,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"rooms": s.rooms.List()})
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.URL.Query().Get("room_id"))
	channelID := strings.TrimSpace(r.URL.Query().Get("channel_id"))
	if roomID == "" || channelID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "room_id and channel_id are required")
		return
	}

	conn, err := s.rooms.Get(roomID, channelID)
	if err != nil {
		s.respondRoomError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roomStatusResponse{
		RoomID:       roomID,
		ChannelID:    channelID,
		Connected:    conn.Connected(),
		Stats:        conn.Stats(),
		Participants: conn.Participants(),
	})
}

type callRequest struct {
	PeerID    string `json:"peer_id"`
	ChannelID string `json:"channel_id"`
}

type callStatusResponse struct {
	PeerID    string                `json:"peer_id"`
	ChannelID string                `json:"channel_id"`
	State     voice.CallState       `json:"state"`
	Stats     voice.ConnectionStats `json:"stats"`
}

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PeerID) == "" || strings.TrimSpace(req.ChannelID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "peer_id and channel_id are required")
		return
	}

	conn, err := s.calls.Initiate(req.PeerID, req.ChannelID)
	if err != nil {
		s.respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, callStatusResponse{
		PeerID:    req.PeerID,
		ChannelID: req.ChannelID,
		State:     conn.State(),
		Stats:     conn.Stats(),
	})
}

func (s *Server) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, func(ctx context.Context, peerID string) error {
		return s.calls.Accept(ctx, peerID)
	})
}

func (s *Server) handleDeclineCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, func(_ context.Context, peerID string) error {
		return s.calls.Decline(peerID)
	})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, func(_ context.Context, peerID string) error {
		return s.calls.End(peerID)
	})
}

func (s *Server) callTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	peerID := chi.URLParam(r, "peer")
	if strings.TrimSpace(peerID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing peer id")
		return
	}
	if err := op(r.Context(), peerID); err != nil {
		s.respondCallError(w, err)
		return
	}

	conn, err := s.calls.Get(peerID)
	if err != nil {
		s.respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callStatusResponse{
		PeerID:    peerID,
		ChannelID: conn.ChannelID(),
		State:     conn.State(),
		Stats:     conn.Stats(),
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"calls": s.calls.List()})
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peer")
	conn, err := s.calls.Get(peerID)
	if err != nil {
		s.respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callStatusResponse{
		PeerID:    peerID,
		ChannelID: conn.ChannelID(),
		State:     conn.State(),
		Stats:     conn.Stats(),
	})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		if parsed > 0 {
			limit = parsed
		}
	}

	recs, err := s.calls.History(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"rooms": s.rooms.Metrics(),
		"calls": s.calls.Metrics(),
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) respondRoomError(w http.ResponseWriter, err error) {
	var capErr *rooms.CapacityError
	switch {
	case errors.Is(err, rooms.ErrAlreadyJoined):
		respondError(w, http.StatusConflict, "already_joined", err.Error())
	case errors.Is(err, rooms.ErrNotJoined):
		respondError(w, http.StatusNotFound, "room_not_joined", err.Error())
	case errors.As(err, &capErr):
		respondError(w, http.StatusUnprocessableEntity, "room_capacity", err.Error())
	case errors.Is(err, voice.ErrConnectTimeout):
		respondError(w, http.StatusGatewayTimeout, "connect_timeout", err.Error())
	case errors.Is(err, voice.ErrNotConnected):
		respondError(w, http.StatusConflict, "not_connected", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "room_error", err.Error())
	}
}

func (s *Server) respondCallError(w http.ResponseWriter, err error) {
	var capErr *calls.CapacityError
	var stateErr *voice.InvalidStateTransitionError
	switch {
	case errors.Is(err, calls.ErrNoCall):
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
	case errors.Is(err, calls.ErrCallInProgress):
		respondError(w, http.StatusConflict, "call_in_progress", err.Error())
	case errors.As(err, &capErr):
		respondError(w, http.StatusUnprocessableEntity, "call_capacity", err.Error())
	case errors.As(err, &stateErr):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, voice.ErrConnectTimeout):
		respondError(w, http.StatusGatewayTimeout, "connect_timeout", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "call_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
