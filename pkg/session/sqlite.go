// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dakproject/dak/pkg/agent"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	app_name   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (app_name, user_id, id)
);
CREATE TABLE IF NOT EXISTS events (
	app_name   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (app_name, user_id, session_id, seq)
);
`

// SQLiteService returns a file-backed session service.
//
// Sessions are loaded into memory on open and written through on every
// mutation. Append is serialized per session by the session's own lock plus
// the database transaction.
func SQLiteService(path string) (Service, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}

	s := &sqliteService{
		db:       db,
		sessions: make(map[string]*memorySession),
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type sqliteService struct {
	db       *sql.DB
	sessions map[string]*memorySession
	mu       sync.RWMutex
}

func (s *sqliteService) loadAll() error {
	rows, err := s.db.Query(`SELECT app_name, user_id, id, state, updated_at FROM sessions`)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var app, user, id, stateJSON string
		var updated time.Time
		if err := rows.Scan(&app, &user, &id, &stateJSON, &updated); err != nil {
			return fmt.Errorf("failed to scan session row: %w", err)
		}

		var state map[string]any
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return fmt.Errorf("corrupt state for session %s: %w", id, err)
		}

		ms := &memorySession{
			id:             id,
			appName:        app,
			userID:         user,
			state:          newMemoryState(state),
			events:         &memoryEvents{},
			lastUpdateTime: updated,
		}
		if err := s.loadEvents(ms); err != nil {
			return err
		}
		s.sessions[sessionKey(app, user, id)] = ms
	}
	return rows.Err()
}

func (s *sqliteService) loadEvents(ms *memorySession) error {
	rows, err := s.db.Query(
		`SELECT payload FROM events WHERE app_name=? AND user_id=? AND session_id=? ORDER BY seq`,
		ms.appName, ms.userID, ms.id)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("corrupt event for session %s: %w", ms.id, err)
		}
		ms.events.append(&ev)
	}
	return rows.Err()
}

// Close releases the database handle.
func (s *sqliteService) Close() error {
	return s.db.Close()
}

func (s *sqliteService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &GetResponse{Session: session}, nil
}

func (s *sqliteService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	key := sessionKey(req.AppName, req.UserID, sessionID)
	if existing, ok := s.sessions[key]; ok {
		return &CreateResponse{Session: existing}, nil
	}

	now := time.Now()
	stateJSON, err := json.Marshal(orEmpty(req.State))
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (app_name, user_id, id, state, updated_at) VALUES (?, ?, ?, ?, ?)`,
		req.AppName, req.UserID, sessionID, string(stateJSON), now)
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	session := &memorySession{
		id:             sessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          newMemoryState(req.State),
		events:         &memoryEvents{},
		lastUpdateTime: now,
	}
	s.sessions[key] = session

	return &CreateResponse{Session: session}, nil
}

func (s *sqliteService) AppendEvent(ctx context.Context, session Session, event *agent.Event) error {
	s.mu.RLock()
	ms, ok := s.sessions[sessionKey(session.AppName(), session.UserID(), session.ID())]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	seq := ms.events.Len()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO events (app_name, user_id, session_id, seq, payload) VALUES (?, ?, ?, ?, ?)`,
		ms.appName, ms.userID, ms.id, seq, string(payload)); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to persist event: %w", err)
	}
	stateJSON, err := json.Marshal(ms.state.snapshot())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET state=?, updated_at=? WHERE app_name=? AND user_id=? AND id=?`,
		string(stateJSON), now, ms.appName, ms.userID, ms.id); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	ms.events.append(event)
	ms.lastUpdateTime = now
	return nil
}

func (s *sqliteService) ClearEvents(ctx context.Context, session Session) error {
	s.mu.RLock()
	ms, ok := s.sessions[sessionKey(session.AppName(), session.UserID(), session.ID())]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE app_name=? AND user_id=? AND session_id=?`,
		ms.appName, ms.userID, ms.id); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}

	ms.events.clear()
	ms.lastUpdateTime = time.Now()
	return nil
}

func (s *sqliteService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []Session
	for _, session := range s.sessions {
		if session.appName == req.AppName && session.userID == req.UserID {
			sessions = append(sessions, session)
		}
	}
	return &ListResponse{Sessions: sessions}, nil
}

func (s *sqliteService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(req.AppName, req.UserID, req.SessionID)
	if _, ok := s.sessions[key]; !ok {
		return ErrSessionNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE app_name=? AND user_id=? AND session_id=?`,
		req.AppName, req.UserID, req.SessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE app_name=? AND user_id=? AND id=?`,
		req.AppName, req.UserID, req.SessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	delete(s.sessions, key)
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

var _ Service = (*sqliteService)(nil)
