// Package api exposes the paged cache engine over HTTP: sequence lifecycle,
// token appends and cache occupancy, with stable string IDs in front of the
// engine's recycled integer slots.
package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/stratakv/strata/internal/engine"
	"github.com/stratakv/strata/internal/logger"
	"github.com/stratakv/strata/internal/toy"
)

type Server struct {
	engine  *engine.Engine
	decoder *toy.Decoder
	store   *SequenceStore
	log     logger.Logger
}

func NewServer(eng *engine.Engine, decoder *toy.Decoder, log logger.Logger) *Server {
	return &Server{
		engine:  eng,
		decoder: decoder,
		store:   NewSequenceStore(),
		log:     log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sequences", s.handleCreateSequence)
	e.GET("/v1/sequences", s.handleListSequences)
	e.GET("/v1/sequences/:id", s.handleGetSequence)
	e.POST("/v1/sequences/:id/tokens", s.handleAppendTokens)
	e.DELETE("/v1/sequences/:id", s.handleDeleteSequence)
	e.GET("/v1/cache", s.handleCacheStats)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleCreateSequence(c *echo.Context) error {
	slot, err := s.engine.NewSequence()
	if err != nil {
		return writeEngineError(c, err)
	}
	id := s.store.Add(slot)
	s.log.Info("sequence created", "id", id, "slot", slot)
	return writeJSON(c, http.StatusOK, CreateSequenceResponse{
		ID:     id,
		Object: "sequence",
		Slot:   slot,
	})
}

func (s *Server) handleAppendTokens(c *echo.Context) error {
	id := c.Param("id")
	slot, ok := s.store.Resolve(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("no sequence %q", id))
	}
	req, err := decodeJSON[AppendTokensRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Tokens) == 0 {
		return writeBadRequest(c, "tokens must be non-empty")
	}

	q, k, v := s.decoder.Project(req.Tokens)
	res, err := s.engine.Step([]engine.Update{{SeqID: slot, Queries: q, Keys: k, Values: v}})
	if err != nil {
		return writeEngineError(c, err)
	}

	length := s.engine.SeqLen(slot)
	return writeJSON(c, http.StatusOK, AppendTokensResponse{
		ID:         id,
		Length:     length,
		Pages:      s.pagesFor(length),
		NextToken:  s.decoder.Readout(res.Last[0]),
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *Server) handleGetSequence(c *echo.Context) error {
	id := c.Param("id")
	slot, ok := s.store.Resolve(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("no sequence %q", id))
	}
	return writeJSON(c, http.StatusOK, s.sequenceInfo(id, slot))
}

func (s *Server) handleListSequences(c *echo.Context) error {
	ids, slots := s.store.List()
	list := SequenceList{Object: "list", Data: make([]SequenceInfo, 0, len(ids))}
	for i, id := range ids {
		list.Data = append(list.Data, s.sequenceInfo(id, slots[i]))
	}
	return writeJSON(c, http.StatusOK, list)
}

func (s *Server) handleDeleteSequence(c *echo.Context) error {
	id := c.Param("id")
	slot, ok := s.store.Remove(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("no sequence %q", id))
	}
	s.engine.Free(slot)
	s.log.Info("sequence deleted", "id", id, "slot", slot)
	return writeJSON(c, http.StatusOK, DeleteSequenceResponse{ID: id, Deleted: true})
}

func (s *Server) handleCacheStats(c *echo.Context) error {
	st := s.engine.Stats()
	return writeJSON(c, http.StatusOK, CacheStats{
		Object:     "cache_stats",
		NumPages:   st.NumPages,
		FreePages:  st.FreePages,
		PageSize:   st.PageSize,
		MaxSeqs:    st.MaxSeqs,
		ActiveSeqs: st.ActiveSeqs,
		MaxSeqLen:  st.MaxSeqLen,
		Generation: st.Generation,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) sequenceInfo(id string, slot int) SequenceInfo {
	length := s.engine.SeqLen(slot)
	if length < 0 {
		length = 0
	}
	return SequenceInfo{
		ID:     id,
		Object: "sequence",
		Slot:   slot,
		Length: length,
		Pages:  s.pagesFor(length),
	}
}

func (s *Server) pagesFor(length int) int {
	if length <= 0 {
		return 0
	}
	pageSize := s.engine.Config().PageSize
	return (length + pageSize - 1) / pageSize
}
