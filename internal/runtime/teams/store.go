// Package teams resolves project tokens to the team settings recordings are
// stored under.
package teams

import (
	"context"
	"fmt"
	"strconv"
	"time"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/sharedstate"
)

// Team is the slice of team settings the ingestion pipeline needs.
type Team struct {
	ID                         int64  `json:"id"`
	Token                      string `json:"token"`
	ConsoleLogIngestionEnabled bool   `json:"console_log_ingestion_enabled"`
	RetentionPeriodDays        int    `json:"retention_period_days,omitempty"`
}

// Store is the external team lookup. GetTeamByToken returns (nil, nil) for an
// unknown token; errors are reserved for failed lookups.
type Store interface {
	GetTeamByToken(ctx context.Context, token string) (*Team, error)
	GetRetentionPeriodByTeamID(ctx context.Context, teamID int64) (int, error)
}

// Shared state keys of team records.
func tokenKey(token string) string      { return "team:token:" + token }
func retentionKey(teamID int64) string { return "team:retention:" + strconv.FormatInt(teamID, 10) }

// StateStore reads team records written to shared state by the team
// management service.
type StateStore struct {
	state sharedstate.Store
}

// NewStateStore wraps a shared state store.
func NewStateStore(state sharedstate.Store) (*StateStore, error) {
	if state == nil {
		return nil, errspkg.ErrStateStoreRequired
	}
	return &StateStore{state: state}, nil
}

func (s *StateStore) GetTeamByToken(ctx context.Context, token string) (*Team, error) {
	raw, err := s.state.Get(ctx, tokenKey(token))
	if sharedstate.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team by token: %w", err)
	}
	var team Team
	if err := jsoncodec.Unmarshal(raw, &team); err != nil {
		return nil, fmt.Errorf("decode team record: %w", err)
	}
	if team.Token == "" {
		team.Token = token
	}
	return &team, nil
}

func (s *StateStore) GetRetentionPeriodByTeamID(ctx context.Context, teamID int64) (int, error) {
	raw, err := s.state.Get(ctx, retentionKey(teamID))
	if err != nil {
		return 0, fmt.Errorf("get retention period: %w", err)
	}
	days, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("decode retention period: %w", err)
	}
	return days, nil
}

// PutTeam writes a team record. ttl of zero keeps it until overwritten.
func (s *StateStore) PutTeam(ctx context.Context, team Team, ttl time.Duration) error {
	raw, err := jsoncodec.Marshal(team)
	if err != nil {
		return err
	}
	return s.state.Set(ctx, tokenKey(team.Token), raw, ttl)
}

// PutRetention writes the retention period of a team.
func (s *StateStore) PutRetention(ctx context.Context, teamID int64, days int, ttl time.Duration) error {
	return s.state.Set(ctx, retentionKey(teamID), []byte(strconv.Itoa(days)), ttl)
}
