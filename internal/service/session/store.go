package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"garame-service/internal/model"
	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store persists game state next to the ledger's session row.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveState writes state if the stored version still equals expected. state.Version becomes expected+1.
func (s *Store) SaveState(ctx context.Context, state *game.GameState, expected int64, at time.Time) error {
	state.Version = expected + 1
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&model.GameSession{}).
		Where("id = ? AND version = ? AND fund_status = ?", state.SessionID, expected, model.FundLocked).
		Updates(map[string]interface{}{
			"state_json":       datatypes.JSON(raw),
			"game_status":      string(state.Status),
			"version":          state.Version,
			"last_activity_at": at,
		})
	if res.Error != nil {
		state.Version = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		state.Version = expected
		return appErr.Concurrency(appErr.CodeStaleVersion, fmt.Sprintf("session %s is not at version %d", state.SessionID, expected))
	}
	return nil
}

// LoadLocked returns every session whose funds are still locked.
func (s *Store) LoadLocked(ctx context.Context) ([]model.GameSession, error) {
	var rows []model.GameSession
	err := s.db.WithContext(ctx).
		Where("fund_status = ?", model.FundLocked).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}

func (s *Store) Load(ctx context.Context, sessionID string) (*model.GameSession, error) {
	var row model.GameSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, appErr.ErrSessionNotFound
	}
	return &row, nil
}

func DecodeState(row model.GameSession) (*game.GameState, error) {
	if len(row.StateJSON) == 0 {
		return nil, nil
	}
	var state game.GameState
	if err := json.Unmarshal(row.StateJSON, &state); err != nil {
		return nil, fmt.Errorf("session %s state: %w", row.ID, err)
	}
	return &state, nil
}

func (s *Store) RecordIncident(ctx context.Context, sessionID string, cause error, detail map[string]interface{}) error {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["error"] = cause.Error()
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model.Incident{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       string(appErr.KindOf(cause)),
		Code:       string(appErr.CodeOf(cause)),
		DetailJSON: datatypes.JSON(raw),
		CreatedAt:  time.Now(),
	}).Error
}

func (s *Store) Incidents(ctx context.Context, sessionID string) ([]model.Incident, error) {
	var rows []model.Incident
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at").Find(&rows).Error
	return rows, err
}
