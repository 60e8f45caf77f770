package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/pipeline"
)

const (
	maxDefinitionBytes = 4 << 20
	cleanupTimeout     = 30 * time.Second
)

func kindLabel(k manager.Kind) string {
	if k == manager.KindJob {
		return "Job"
	}
	return "Transformation"
}

func readBody(c *gin.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDefinitionBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxDefinitionBytes {
		return nil, fmt.Errorf("definition exceeds %d bytes", maxDefinitionBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty request body: a definition is required")
	}
	return data, nil
}

func (s *Server) handleAddTrans(c *gin.Context) { s.addTrans(c, false) }

func (s *Server) handleRunTrans(c *gin.Context) { s.addTrans(c, true) }

func (s *Server) addTrans(c *gin.Context, run bool) {
	data, err := readBody(c)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	def, err := pipeline.ParseDefinition(data)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	cfg := execConfig(c.Request.URL.Query())
	add, verb := s.mgr.AddTransformation, "added"
	if run {
		add, verb = s.mgr.RunTransformation, "started"
	}
	entry, err := add(def, cfg)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	respondResult(c, okResult(fmt.Sprintf("Transformation '%s' was %s", entry.Name, verb), entry.ID))
}

func (s *Server) handleAddJob(c *gin.Context) {
	data, err := readBody(c)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	def, err := pipeline.ParseJobDefinition(data)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	entry, err := s.mgr.AddJob(def, execConfig(c.Request.URL.Query()))
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	respondResult(c, okResult(fmt.Sprintf("Job '%s' was added", entry.Name), entry.ID))
}

func nameKeys(k manager.Kind) []string {
	if k == manager.KindJob {
		return []string{"job", "name"}
	}
	return []string{"trans", "name"}
}

func (s *Server) handleStart(kind manager.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := parseTarget(c.Request.URL.Query(), nameKeys(kind)...)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		entry, err := s.mgr.Start(kind, t.Name, t.ID)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		respondResult(c, okResult(fmt.Sprintf("%s '%s' was started", kindLabel(kind), entry.Name), entry.ID))
	}
}

func (s *Server) handleStop(kind manager.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := parseTarget(c.Request.URL.Query(), nameKeys(kind)...)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		entry, err := s.mgr.Stop(kind, t.Name, t.ID)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		respondResult(c, okResult(fmt.Sprintf("%s '%s' was stopped", kindLabel(kind), entry.Name), entry.ID))
	}
}

func (s *Server) handleRemove(kind manager.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := parseTarget(c.Request.URL.Query(), nameKeys(kind)...)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		entry, err := s.mgr.Remove(kind, t.Name, t.ID)
		if err != nil {
			respondResult(c, errResult(err))
			return
		}
		respondResult(c, okResult(fmt.Sprintf("%s '%s' was removed", kindLabel(kind), entry.Name), entry.ID))
	}
}

func (s *Server) handlePause(c *gin.Context) {
	t, err := parseTarget(c.Request.URL.Query(), "trans", "name")
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	entry, st, err := s.mgr.Pause(manager.KindTransformation, t.Name, t.ID)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	respondResult(c, okResult(fmt.Sprintf("Transformation '%s' is %s", entry.Name, st), entry.ID))
}

func (s *Server) handleCleanup(c *gin.Context) {
	t, err := parseTarget(c.Request.URL.Query(), "trans", "name")
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), cleanupTimeout)
	defer cancel()
	entry, err := s.mgr.Cleanup(ctx, manager.KindTransformation, t.Name, t.ID)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	respondResult(c, okResult(fmt.Sprintf("Transformation '%s' was cleaned up", entry.Name), entry.ID))
}
