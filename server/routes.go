package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollama/enforcer/api"
	"github.com/ollama/enforcer/auth"
	"github.com/ollama/enforcer/filter"
	"github.com/ollama/enforcer/vocab"
)

func (s *Server) vocabularyOrAbort(c *gin.Context) (*vocab.Vocabulary, bool) {
	v, err := s.vocabulary()
	switch {
	case errors.Is(err, errNoTokenizer):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return nil, false
	case err != nil:
		slog.Error("failed to load tokenizer", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return v, true
}

func (s *Server) ConstrainHandler(c *gin.Context) {
	var req api.ConstrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hasSchema := len(req.JSONSchema) > 0 && string(req.JSONSchema) != "null"
	if !hasSchema && req.Regex == "" && req.Grammar == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "one of json_schema, regex or grammar is required"})
		return
	}

	v, ok := s.vocabularyOrAbort(c)
	if !ok {
		return
	}

	r := filter.NewRegistry(v, s.opts...)
	var skipped []string
	if hasSchema && !r.AddJSONSchema(req.JSONSchema) {
		skipped = append(skipped, "json_schema")
	}
	if req.Regex != "" && !r.AddRegex(req.Regex) {
		skipped = append(skipped, "regex")
	}
	if req.Grammar != "" && !r.AddGrammar(req.Grammar) {
		skipped = append(skipped, "grammar")
	}

	r.Begin(req.Prefix)
	for _, id := range req.Tokens {
		if err := r.Feed(id); err != nil {
			var unknown *vocab.UnknownTokenError
			if errors.As(err, &unknown) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	mask, err := r.Next()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.ConstrainResponse{
		RequestID:  r.ID,
		Allowed:    mask.Allowed,
		Disallowed: mask.Disallowed,
		All:        mask.All,
		EOSAllowed: mask.Permits(v.EOS()),
		Exhausted:  mask.Exhausted(),
		Skipped:    skipped,
	})
}

func (s *Server) VocabHandler(c *gin.Context) {
	v, ok := s.vocabularyOrAbort(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, api.VocabResponse{
		Size:     v.Size(),
		EOS:      v.EOS(),
		Specials: v.Specials(),
	})
}

func (s *Server) UnloadHandler(c *gin.Context) {
	s.unload()
	slog.Info("unloaded tokenizer and compiled grammars", "permission", auth.Granted(c))
	c.JSON(http.StatusOK, gin.H{})
}
