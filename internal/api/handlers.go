package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kelseywhytock/extension-wrangler/internal/diagnostics"
	"github.com/kelseywhytock/extension-wrangler/internal/groups"
	"github.com/kelseywhytock/extension-wrangler/internal/guardian"
	"github.com/kelseywhytock/extension-wrangler/internal/host"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Message is a messaging protocol request.
type Message struct {
	Action      string `json:"action"`
	ExtensionID string `json:"extensionId,omitempty"`
	Enabled     bool   `json:"enabled,omitempty"`
}

// Messaging protocol actions.
const (
	ActionGetExtensions   = "getExtensions"
	ActionToggleExtension = "toggleExtension"
)

// handleMessage answers the messaging protocol. Host failures are reported
// in the response body as {"error": ...} with status 200.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := decode(r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}

	switch msg.Action {
	case ActionGetExtensions:
		records, err := s.org.ListAll()
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
			return
		}
		if records == nil {
			records = []*host.ExtensionRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"extensions": records})

	case ActionToggleExtension:
		if msg.ExtensionID == "" {
			s.writeError(w, r, fmt.Errorf("%w: extensionId is required", errBadRequest))
			return
		}
		if err := s.org.ToggleExtension(msg.ExtensionID, msg.Enabled); err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown action %q", errBadRequest, msg.Action))
	}
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	records, err := s.org.Extensions()
	if err != nil {
		s.logger.Warn("Serving previous extension snapshot", zap.Error(err))
	}
	if records == nil {
		records = []*host.ExtensionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

// confirmed accepts ?confirm=true or a {"confirm":true} body.
func confirmed(r *http.Request) error {
	if r.URL.Query().Get("confirm") == "true" {
		return nil
	}
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if !req.Confirm {
		return ErrConfirmationRequired
	}
	return nil
}

func (s *Server) handleEnableAll(w http.ResponseWriter, r *http.Request) {
	if err := confirmed(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.org.EnableAll())
}

func (s *Server) handleDisableAll(w http.ResponseWriter, r *http.Request) {
	if err := confirmed(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.org.DisableAll())
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.org.Groups().Ordered())
}

type groupRequest struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.org.Groups().CreateGroup(req.Name, req.Extensions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.org.Groups().Group(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req groupRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.org.Groups().UpdateGroup(id, req.Name, req.Extensions); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.org.Groups().Group(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := confirmed(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.org.Groups().DeleteGroup(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type memberRequest struct {
	ExtensionID string `json:"extensionId"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req memberRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ExtensionID == "" {
		s.writeError(w, r, &groups.ValidationError{Field: "extensionId", Reason: "is required"})
		return
	}
	if err := s.org.Groups().AddMember(id, req.ExtensionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.org.Groups().Group(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.org.Groups().RemoveMember(id, chi.URLParam(r, "extensionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleToggleGroup(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, r, &groups.ValidationError{Field: "enabled", Reason: "is required"})
		return
	}
	report, err := s.org.ToggleGroup(chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type reorderRequest struct {
	DraggedID string `json:"draggedId"`
	TargetID  string `json:"targetId"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.org.Groups().Reorder(req.DraggedID, req.TargetID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.org.Groups().Ordered())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	entries := s.org.Journal().Entries()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleClearJournal(w http.ResponseWriter, r *http.Request) {
	if err := s.org.Journal().Clear(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="extension-groups-%s.json"`, now.Format("2006-01-02")))
	writeJSON(w, http.StatusOK, s.org.Groups().Export(now))
}

type importRequest struct {
	Confirm bool            `json:"confirm"`
	File    json.RawMessage `json:"file"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Confirm {
		s.writeError(w, r, ErrConfirmationRequired)
		return
	}
	n, err := s.org.Import(req.File)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Imported groups", zap.Int("groups", n))
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) handleGuardian(w http.ResponseWriter, r *http.Request) {
	states := []guardian.Status{}
	if s.guardian != nil {
		states = append(states, s.guardian.States()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.guardian != nil,
		"states":  states,
	})
}

func (s *Server) handleGroupDiagnostics(w http.ResponseWriter, r *http.Request) {
	health := diagnostics.AnalyzeGroups(
		s.org.Groups().Ordered(),
		s.org.Registry().Snapshot(),
		s.org.Journal().FailedIDs())
	writeJSON(w, http.StatusOK, health)
}
