package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnauthorized indicates that no authorized principal accompanied a mutation.
	ErrUnauthorized = errors.New("board: authorized principal required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errConcurrentWrite   = errors.New("board version changed during commit")
	noOpLogger           = zap.NewNop()
)

// ServiceError is an infrastructure failure, distinct from validation and conflict results.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "board.service.new"
	opApplyPatch   = "board.apply_patch"
	opGetBoard     = "board.get_board"
	opListPatches  = "board.list_patches"
	opDeleteGroup  = "board.delete_group"
	opDeleteBoard  = "board.delete_board"
	fieldSessionID = "session_id"
	querySession   = "session_id = ?"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonUnauthorized      = "unauthorized"
	reasonStateInitFailed   = "state_init_failed"
	reasonStateSelectFailed = "state_select_failed"
	reasonObjectsLoadFailed = "objects_load_failed"
	reasonPlanFailed        = "plan_failed"
	reasonObjectWriteFailed = "object_write_failed"
	reasonVersionBumpFailed = "version_bump_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonAuditInsertFailed = "audit_insert_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonQueryFailed       = "query_failed"
	reasonDeleteFailed      = "delete_failed"

	defaultPatchListLimit = 50
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the patch applier.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the single writer of durable board state.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	locks      *sessionLocks
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		locks:      newSessionLocks(),
	}, nil
}

// Outcome is the terminal state of a patch submission.
type Outcome string

const (
	// OutcomeCommitted means the patch was applied and the version bumped.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRejected means validation found at least one error.
	OutcomeRejected Outcome = "rejected"
	// OutcomeConflict means the caller's expected version was stale.
	OutcomeConflict Outcome = "conflict"
)

// ApplyResult reports a business-level outcome of ApplyPatch.
type ApplyResult struct {
	Success         bool
	Outcome         Outcome
	NewBoardVersion int64
	ExpectedVersion *int64
	CurrentVersion  int64
	Issues          []Issue
	Summary         string
	ChangeID        string
	Changes         ChangeSet
}

// BoardSnapshot is a read of the durable board.
type BoardSnapshot struct {
	SessionID    SessionID
	BoardVersion int64
	Objects      []Object
}

// BoardQuery narrows GetBoard.
type BoardQuery struct {
	GroupID GroupID
}

// ApplyPatch validates and commits a patch for one session.
// Conflicts and validation failures are results; only store failures are errors.
// The commit runs detached from ctx cancellation so a disconnecting caller cannot abandon it.
func (s *Service) ApplyPatch(ctx context.Context, principal Principal, sessionID SessionID, patch Patch, expectedVersion *int64) (ApplyResult, error) {
	if principal.IsZero() {
		return ApplyResult{}, newServiceError(opApplyPatch, reasonUnauthorized, ErrUnauthorized)
	}
	if s.db == nil {
		s.logError(opApplyPatch, reasonMissingDatabase, errMissingDatabase)
		return ApplyResult{}, newServiceError(opApplyPatch, reasonMissingDatabase, errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(opApplyPatch, reasonMissingIDProvider, errMissingIDProvider)
		return ApplyResult{}, newServiceError(opApplyPatch, reasonMissingIDProvider, errMissingIDProvider)
	}
	if s.locks == nil {
		s.locks = newSessionLocks()
	}

	unlock := s.locks.lock(sessionID.String())
	defer unlock()

	commitContext := context.WithoutCancel(ctx)
	var result ApplyResult
	txErr := s.db.WithContext(commitContext).Transaction(func(tx *gorm.DB) error {
		state, err := s.lockState(tx, sessionID)
		if err != nil {
			return err
		}

		if expectedVersion != nil && *expectedVersion != state.BoardVersion {
			result = conflictResult(*expectedVersion, state.BoardVersion)
			return nil
		}

		current, err := loadObjects(tx, sessionID, "")
		if err != nil {
			s.logError(opApplyPatch, reasonObjectsLoadFailed, err, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opApplyPatch, reasonObjectsLoadFailed, err)
		}

		issues := ValidatePatch(patch, current)
		if HasErrors(issues) {
			result = ApplyResult{
				Success:         false,
				Outcome:         OutcomeRejected,
				NewBoardVersion: state.BoardVersion,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  state.BoardVersion,
				Issues:          issues,
			}
			return nil
		}

		plan, err := planPatch(current, patch)
		if err != nil {
			s.logError(opApplyPatch, reasonPlanFailed, err, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opApplyPatch, reasonPlanFailed, err)
		}
		if err := s.writePlan(tx, sessionID, plan); err != nil {
			return err
		}

		nextVersion := state.BoardVersion + 1
		appliedAt := s.clock().UTC().Unix()
		bump := tx.Model(&BoardState{}).
			Where("session_id = ? AND board_version = ?", sessionID.String(), state.BoardVersion).
			Updates(map[string]any{"board_version": nextVersion, "updated_at_s": appliedAt})
		if bump.Error != nil {
			s.logError(opApplyPatch, reasonVersionBumpFailed, bump.Error, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opApplyPatch, reasonVersionBumpFailed, bump.Error)
		}
		if bump.RowsAffected != 1 {
			return errConcurrentWrite
		}

		summary := summarizeChanges(plan.changes)
		changeID, err := s.recordPatch(tx, principal, sessionID, patch, state.BoardVersion, nextVersion, summary, appliedAt)
		if err != nil {
			return err
		}

		result = ApplyResult{
			Success:         true,
			Outcome:         OutcomeCommitted,
			NewBoardVersion: nextVersion,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  nextVersion,
			Issues:          Warnings(issues),
			Summary:         summary,
			ChangeID:        changeID,
			Changes:         plan.changes,
		}
		return nil
	})

	if errors.Is(txErr, errConcurrentWrite) {
		current, err := s.currentVersion(commitContext, sessionID)
		if err != nil {
			return ApplyResult{}, err
		}
		expected := current - 1
		if expectedVersion != nil {
			expected = *expectedVersion
		}
		return conflictResult(expected, current), nil
	}
	if txErr != nil {
		return ApplyResult{}, txErr
	}

	s.logger.Debug("board patch processed",
		zap.String(fieldSessionID, sessionID.String()),
		zap.String("principal", principal.Subject),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("board_version", result.NewBoardVersion),
		zap.Int("issues", len(result.Issues)))
	return result, nil
}

func conflictResult(expected, current int64) ApplyResult {
	expectedCopy := expected
	return ApplyResult{
		Success:         false,
		Outcome:         OutcomeConflict,
		NewBoardVersion: current,
		ExpectedVersion: &expectedCopy,
		CurrentVersion:  current,
		Issues: []Issue{
			errorIssue("", fmt.Sprintf("board version conflict: expected %d, current %d", expected, current)),
		},
	}
}

func (s *Service) lockState(tx *gorm.DB, sessionID SessionID) (BoardState, error) {
	seed := BoardState{SessionID: sessionID.String()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		s.logError(opApplyPatch, reasonStateInitFailed, err, zap.String(fieldSessionID, sessionID.String()))
		return BoardState{}, newServiceError(opApplyPatch, reasonStateInitFailed, err)
	}
	var state BoardState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(querySession, sessionID.String()).
		Take(&state).Error
	if err != nil {
		s.logError(opApplyPatch, reasonStateSelectFailed, err, zap.String(fieldSessionID, sessionID.String()))
		return BoardState{}, newServiceError(opApplyPatch, reasonStateSelectFailed, err)
	}
	return state, nil
}

func (s *Service) writePlan(tx *gorm.DB, sessionID SessionID, plan patchPlan) error {
	if len(plan.deletes) > 0 {
		err := tx.Where("session_id = ? AND object_id IN ?", sessionID.String(), plan.deletes).
			Delete(&BoardObject{}).Error
		if err != nil {
			s.logError(opApplyPatch, reasonObjectWriteFailed, err, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opApplyPatch, reasonObjectWriteFailed, err)
		}
	}
	for _, object := range plan.updates {
		row, err := objectRow(sessionID, object)
		if err != nil {
			return newServiceError(opApplyPatch, reasonEncodeFailed, err)
		}
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opApplyPatch, reasonObjectWriteFailed, err,
				zap.String(fieldSessionID, sessionID.String()),
				zap.String("object_id", object.ObjectID()))
			return newServiceError(opApplyPatch, reasonObjectWriteFailed, err)
		}
	}
	for _, object := range plan.creates {
		row, err := objectRow(sessionID, object)
		if err != nil {
			return newServiceError(opApplyPatch, reasonEncodeFailed, err)
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opApplyPatch, reasonObjectWriteFailed, err,
				zap.String(fieldSessionID, sessionID.String()),
				zap.String("object_id", object.ObjectID()))
			return newServiceError(opApplyPatch, reasonObjectWriteFailed, err)
		}
	}
	return nil
}

func (s *Service) recordPatch(tx *gorm.DB, principal Principal, sessionID SessionID, patch Patch, previous, next int64, summary string, appliedAt int64) (string, error) {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApplyPatch, reasonIDGeneration, err, zap.String(fieldSessionID, sessionID.String()))
		return "", newServiceError(opApplyPatch, reasonIDGeneration, err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return "", newServiceError(opApplyPatch, reasonEncodeFailed, err)
	}
	record := BoardPatchRecord{
		ChangeID:         changeID,
		SessionID:        sessionID.String(),
		Principal:        principal.Subject,
		PreviousVersion:  previous,
		NewVersion:       next,
		PatchJSON:        string(patchJSON),
		Summary:          summary,
		AppliedAtSeconds: appliedAt,
	}
	if err := tx.Create(&record).Error; err != nil {
		s.logError(opApplyPatch, reasonAuditInsertFailed, err, zap.String(fieldSessionID, sessionID.String()))
		return "", newServiceError(opApplyPatch, reasonAuditInsertFailed, err)
	}
	return changeID, nil
}

// GetBoard returns the committed objects and version of a session.
// A session that has never been written reads as version 0 with no objects.
func (s *Service) GetBoard(ctx context.Context, sessionID SessionID, query BoardQuery) (BoardSnapshot, error) {
	if s.db == nil {
		s.logError(opGetBoard, reasonMissingDatabase, errMissingDatabase)
		return BoardSnapshot{}, newServiceError(opGetBoard, reasonMissingDatabase, errMissingDatabase)
	}

	snapshot := BoardSnapshot{SessionID: sessionID, Objects: []Object{}}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state BoardState
		err := tx.Where(querySession, sessionID.String()).Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			s.logError(opGetBoard, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opGetBoard, reasonQueryFailed, err)
		}
		snapshot.BoardVersion = state.BoardVersion

		objects, err := loadObjects(tx, sessionID, query.GroupID)
		if err != nil {
			s.logError(opGetBoard, reasonObjectsLoadFailed, err, zap.String(fieldSessionID, sessionID.String()))
			return newServiceError(opGetBoard, reasonObjectsLoadFailed, err)
		}
		snapshot.Objects = sortedObjects(objects)
		return nil
	})
	if txErr != nil {
		return BoardSnapshot{}, txErr
	}
	return snapshot, nil
}

// ListPatches returns the most recent committed patches, newest first.
func (s *Service) ListPatches(ctx context.Context, sessionID SessionID, limit int) ([]BoardPatchRecord, error) {
	if s.db == nil {
		s.logError(opListPatches, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListPatches, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = defaultPatchListLimit
	}
	var records []BoardPatchRecord
	if err := s.db.WithContext(ctx).
		Where(querySession, sessionID.String()).
		Order("new_version DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListPatches, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID.String()))
		return nil, newServiceError(opListPatches, reasonQueryFailed, err)
	}
	return records, nil
}

// DeleteGroup removes every object of a group through ApplyPatch.
func (s *Service) DeleteGroup(ctx context.Context, principal Principal, sessionID SessionID, groupID GroupID, expectedVersion *int64) (ApplyResult, error) {
	if s.db == nil {
		s.logError(opDeleteGroup, reasonMissingDatabase, errMissingDatabase)
		return ApplyResult{}, newServiceError(opDeleteGroup, reasonMissingDatabase, errMissingDatabase)
	}
	snapshot, err := s.GetBoard(ctx, sessionID, BoardQuery{GroupID: groupID})
	if err != nil {
		return ApplyResult{}, err
	}
	if len(snapshot.Objects) == 0 {
		return ApplyResult{
			Success:         false,
			Outcome:         OutcomeRejected,
			NewBoardVersion: snapshot.BoardVersion,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  snapshot.BoardVersion,
			Issues:          []Issue{errorIssue("", fmt.Sprintf("group %q not found", groupID.String()))},
		}, nil
	}
	patch := Patch{Deletes: make([]string, 0, len(snapshot.Objects))}
	for _, object := range snapshot.Objects {
		patch.Deletes = append(patch.Deletes, object.ObjectID())
	}
	return s.ApplyPatch(ctx, principal, sessionID, patch, expectedVersion)
}

// DeleteBoard removes all durable state of a session; it is the cascade target of session deletion.
func (s *Service) DeleteBoard(ctx context.Context, sessionID SessionID) error {
	if s.db == nil {
		s.logError(opDeleteBoard, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteBoard, reasonMissingDatabase, errMissingDatabase)
	}
	if s.locks == nil {
		s.locks = newSessionLocks()
	}
	unlock := s.locks.lock(sessionID.String())
	defer unlock()

	return s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&BoardObject{}, &BoardPatchRecord{}, &BoardState{}} {
			if err := tx.Where(querySession, sessionID.String()).Delete(model).Error; err != nil {
				s.logError(opDeleteBoard, reasonDeleteFailed, err, zap.String(fieldSessionID, sessionID.String()))
				return newServiceError(opDeleteBoard, reasonDeleteFailed, err)
			}
		}
		return nil
	})
}

func (s *Service) currentVersion(ctx context.Context, sessionID SessionID) (int64, error) {
	var state BoardState
	err := s.db.WithContext(ctx).Where(querySession, sessionID.String()).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opApplyPatch, reasonStateSelectFailed, err, zap.String(fieldSessionID, sessionID.String()))
		return 0, newServiceError(opApplyPatch, reasonStateSelectFailed, err)
	}
	return state.BoardVersion, nil
}

func loadObjects(tx *gorm.DB, sessionID SessionID, groupID GroupID) (map[string]Object, error) {
	query := tx.Where(querySession, sessionID.String())
	if groupID != "" {
		query = query.Where("group_id = ?", groupID.String())
	}
	var rows []BoardObject
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	objects := make(map[string]Object, len(rows))
	for _, row := range rows {
		fields, err := ParseFields([]byte(row.PayloadJSON))
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", row.ObjectID, err)
		}
		object, err := DecodeObject(fields)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", row.ObjectID, err)
		}
		objects[row.ObjectID] = object
	}
	return objects, nil
}

func objectRow(sessionID SessionID, object Object) (BoardObject, error) {
	payload, err := EncodeObject(object)
	if err != nil {
		return BoardObject{}, err
	}
	return BoardObject{
		SessionID:   sessionID.String(),
		ObjectID:    object.ObjectID(),
		Kind:        string(object.ObjectKind()),
		GroupID:     object.Base().Metadata.GroupID,
		PayloadJSON: string(payload),
	}, nil
}

func sortedObjects(objects map[string]Object) []Object {
	ids := make([]string, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sorted := make([]Object, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, objects[id])
	}
	return sorted
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("board service error", attrs...)
}
