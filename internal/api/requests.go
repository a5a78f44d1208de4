package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/store"
	"github.com/seantiz/guidance/internal/toktrie"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxSequences     = 16
)

// errInvalidRequest marks request validation failures reported as 400.
var errInvalidRequest = errors.New("invalid request")

// createRequest is the JSON body for POST /v1/requests.
type createRequest struct {
	Prompt      string            `json:"prompt"`
	Tokens      []toktrie.TokenID `json:"tokens"`
	N           int               `json:"n"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float32           `json:"temperature"`

	// Grammar applies to every sequence; Grammars gives one per sequence.
	Grammar  json.RawMessage   `json:"grammar"`
	Grammars []json.RawMessage `json:"grammars"`

	IsChat   bool   `json:"is_chat"`
	LogLevel string `json:"log_level"`
	Stream   bool   `json:"stream"`
}

// listRequestsResponse wraps the paginated list response.
type listRequestsResponse struct {
	Requests []*model.Request `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type cancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	gen, err := s.prepare(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := s.start(r.Context(), gen)
	if err != nil {
		s.logger.Error("start generation", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to start generation")
		return
	}

	// Generation outlives the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	if req.Stream {
		s.streamGeneration(w, r, gen, stream)
		return
	}

	s.run(r.Context(), gen, stream, nil)
	rec, err := s.store.GetRequest(r.Context(), gen.record.ID)
	if err != nil {
		s.logger.Error("get finished request", "id", gen.record.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve request")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// prepare validates a create request and compiles its grammars.
func (s *Server) prepare(req createRequest) (*generation, error) {
	n := req.N
	if n == 0 {
		n = 1
	}
	if n < 0 || n > maxSequences {
		return nil, fmt.Errorf("%w: n must be between 1 and %d", errInvalidRequest, maxSequences)
	}
	if req.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens must not be negative", errInvalidRequest)
	}
	if req.Temperature < 0 {
		return nil, fmt.Errorf("%w: temperature must not be negative", errInvalidRequest)
	}

	grammars := req.Grammars
	if len(req.Grammar) > 0 {
		if len(req.Grammars) > 0 {
			return nil, fmt.Errorf("%w: set grammar or grammars, not both", errInvalidRequest)
		}
		grammars = slices.Repeat([]json.RawMessage{req.Grammar}, n)
	}
	if len(grammars) != 0 && len(grammars) != n {
		return nil, fmt.Errorf("%w: got %d grammars for %d sequences", errInvalidRequest, len(grammars), n)
	}

	level, err := constraint.ParseLogLevel(req.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	env := s.constraints.Env(req.IsChat)
	trie := env.Trie()
	tokens := req.Tokens
	prompt := req.Prompt
	switch {
	case len(tokens) > 0 && prompt != "":
		return nil, fmt.Errorf("%w: set prompt or tokens, not both", errInvalidRequest)
	case len(tokens) > 0:
		for _, t := range tokens {
			if int(t) >= trie.VocabSize() {
				return nil, fmt.Errorf("%w: token %d outside vocabulary of %d", errInvalidRequest, t, trie.VocabSize())
			}
		}
		prompt = string(trie.Decode(tokens))
	case prompt != "":
		tokens = env.Tokenize([]byte(prompt))
	default:
		return nil, fmt.Errorf("%w: prompt or tokens is required", errInvalidRequest)
	}

	cs := make([]constraint.Constraint, 0, len(grammars))
	for i, g := range grammars {
		c, err := s.constraints.NewConstraint(constraint.Init{Grammar: g, IsChat: req.IsChat, LogLevel: level})
		if err != nil {
			return nil, fmt.Errorf("%w: grammar %d: %v", errInvalidRequest, i, err)
		}
		cs = append(cs, c)
	}

	return &generation{
		record: &model.Request{
			ID:           model.NewID(),
			Status:       model.StatusPending,
			Prompt:       prompt,
			PromptTokens: len(tokens),
			NumSequences: n,
			MaxTokens:    req.MaxTokens,
			Grammars:     len(cs),
			IsChat:       req.IsChat,
			CreatedAt:    time.Now().UTC(),
		},
		init: model.RequestInit{
			Tokens: tokens,
			Params: model.SamplingParams{
				NumReturnSequences: n,
				MaxNewTokens:       req.MaxTokens,
				Temperature:        req.Temperature,
			},
		},
		constraints: cs,
		trie:        trie,
	}, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	requests, total, err := s.store.ListRequests(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	if requests == nil {
		requests = []*model.Request{}
	}

	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: requests,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleCancelRequest cancels an in-flight request. The generating handler
// records the cancelled status once its stream ends.
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	reqID, ok := s.lookupActive(id)
	if !ok {
		_, err := s.store.GetRequest(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		if err != nil {
			s.logger.Error("get request for cancel", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get request")
			return
		}
		s.writeError(w, http.StatusConflict, "request already finished")
		return
	}

	if err := s.executor.CancelRequest(reqID); err != nil {
		// The request is out of the table either way.
		s.logger.Warn("cancel engine request", "id", id, "req_id", reqID, "error", err)
	}

	s.writeJSON(w, http.StatusAccepted, cancelResponse{ID: id, Status: model.StatusCancelled})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
