package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPatchListLimit = 500

type patchRequestPayload struct {
	SessionID       string      `json:"sessionId"`
	Patch           board.Patch `json:"patch"`
	ExpectedVersion *int64      `json:"expectedVersion"`
}

type patchResponsePayload struct {
	Success         bool             `json:"success"`
	Outcome         board.Outcome    `json:"outcome"`
	NewBoardVersion int64            `json:"newBoardVersion"`
	CurrentVersion  int64            `json:"currentVersion"`
	ExpectedVersion *int64           `json:"expectedVersion,omitempty"`
	Issues          []board.Issue    `json:"issues"`
	Summary         string           `json:"summary,omitempty"`
	ChangeID        string           `json:"changeId,omitempty"`
	Changes         *board.ChangeSet `json:"changes,omitempty"`
}

type boardResponsePayload struct {
	SessionID    string            `json:"sessionId"`
	BoardVersion int64             `json:"boardVersion"`
	Objects      []json.RawMessage `json:"objects"`
}

type patchRecordPayload struct {
	ChangeID         string          `json:"changeId"`
	Principal        string          `json:"principal"`
	PreviousVersion  int64           `json:"previousVersion"`
	NewVersion       int64           `json:"newVersion"`
	Summary          string          `json:"summary"`
	AppliedAtSeconds int64           `json:"appliedAtS"`
	Patch            json.RawMessage `json:"patch"`
}

type patchListResponsePayload struct {
	Patches []patchRecordPayload `json:"patches"`
}

func (h *httpHandler) handleApplyPatch(c *gin.Context) {
	sessionID, principal := requestSession(c)

	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if body := strings.TrimSpace(request.SessionID); body != "" && body != sessionID.String() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_mismatch"})
		return
	}

	started := time.Now()
	result, err := h.boardService.ApplyPatch(c.Request.Context(), principal, sessionID, request.Patch, request.ExpectedVersion)
	if err != nil {
		h.metrics.PatchProcessed("error", time.Since(started))
		h.respondServiceError(c, "patch_failed", err)
		return
	}
	h.metrics.PatchProcessed(string(result.Outcome), time.Since(started))
	h.respondApplyResult(c, sessionID, result)
}

func (h *httpHandler) handleDeleteGroup(c *gin.Context) {
	sessionID, principal := requestSession(c)
	groupID, err := board.NewGroupID(c.Param(groupIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_id"})
		return
	}
	expectedVersion, err := parseExpectedVersion(c.Query("expectedVersion"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expected_version"})
		return
	}

	started := time.Now()
	result, err := h.boardService.DeleteGroup(c.Request.Context(), principal, sessionID, groupID, expectedVersion)
	if err != nil {
		h.metrics.PatchProcessed("error", time.Since(started))
		h.respondServiceError(c, "delete_group_failed", err)
		return
	}
	h.metrics.PatchProcessed(string(result.Outcome), time.Since(started))
	h.respondApplyResult(c, sessionID, result)
}

func (h *httpHandler) respondApplyResult(c *gin.Context, sessionID board.SessionID, result board.ApplyResult) {
	issues := result.Issues
	if issues == nil {
		issues = []board.Issue{}
	}
	response := patchResponsePayload{
		Success:         result.Success,
		Outcome:         result.Outcome,
		NewBoardVersion: result.NewBoardVersion,
		CurrentVersion:  result.CurrentVersion,
		ExpectedVersion: result.ExpectedVersion,
		Issues:          issues,
		Summary:         result.Summary,
		ChangeID:        result.ChangeID,
	}

	switch result.Outcome {
	case board.OutcomeCommitted:
		changes := result.Changes
		response.Changes = &changes
		h.hub.NotifyBoardChanged(c.Request.Context(), sessionID.String(), result.NewBoardVersion, result.Summary)
		c.JSON(http.StatusOK, response)
	case board.OutcomeConflict:
		c.JSON(http.StatusConflict, response)
	default:
		c.JSON(http.StatusUnprocessableEntity, response)
	}
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	sessionID, _ := requestSession(c)
	var query board.BoardQuery
	if raw := c.Query(groupIDParam); raw != "" {
		groupID, err := board.NewGroupID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_id"})
			return
		}
		query.GroupID = groupID
	}

	snapshot, err := h.boardService.GetBoard(c.Request.Context(), sessionID, query)
	if err != nil {
		h.respondServiceError(c, "board_read_failed", err)
		return
	}

	response := boardResponsePayload{
		SessionID:    snapshot.SessionID.String(),
		BoardVersion: snapshot.BoardVersion,
		Objects:      make([]json.RawMessage, 0, len(snapshot.Objects)),
	}
	for _, object := range snapshot.Objects {
		encoded, err := board.EncodeObject(object)
		if err != nil {
			h.logger.Error("failed to encode board object", zap.String("object_id", object.ObjectID()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "board_read_failed"})
			return
		}
		response.Objects = append(response.Objects, encoded)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListPatches(c *gin.Context) {
	sessionID, _ := requestSession(c)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxPatchListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	records, err := h.boardService.ListPatches(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.respondServiceError(c, "patch_list_failed", err)
		return
	}

	response := patchListResponsePayload{Patches: make([]patchRecordPayload, 0, len(records))}
	for _, record := range records {
		response.Patches = append(response.Patches, patchRecordPayload{
			ChangeID:         record.ChangeID,
			Principal:        record.Principal,
			PreviousVersion:  record.PreviousVersion,
			NewVersion:       record.NewVersion,
			Summary:          record.Summary,
			AppliedAtSeconds: record.AppliedAtSeconds,
			Patch:            json.RawMessage(record.PatchJSON),
		})
	}
	c.JSON(http.StatusOK, response)
}

// handleDeleteBoard drops durable board state when the owning session is deleted.
func (h *httpHandler) handleDeleteBoard(c *gin.Context) {
	sessionID, _ := requestSession(c)
	if err := h.boardService.DeleteBoard(c.Request.Context(), sessionID); err != nil {
		h.respondServiceError(c, "board_delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	h.logger.Error("board request failed", zap.String("path", c.FullPath()), zap.Error(err))
	var serviceErr *board.ServiceError
	if errors.As(err, &serviceErr) {
		status := http.StatusInternalServerError
		if errors.Is(err, board.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": fallback, "code": serviceErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

func parseExpectedVersion(raw string) (*int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return nil, errors.New("invalid expected version")
	}
	return &value, nil
}
