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

// Package runner orchestrates agent turns within sessions.
//
// The Runner owns the per-session turn lease: at most one turn runs per
// session at a time. Concurrent turns on the same session queue by default;
// with RejectBusy set they fail fast with a SessionBusy error instead.
// It also persists every non-partial event to the session service and drops
// temp: state keys when the turn completes.
package runner

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/session"
)

// Config contains the configuration for creating a Runner.
type Config struct {
	// AppName identifies the application.
	AppName string

	// Agent is the agent executed for every turn. Required.
	Agent agent.Agent

	// Sessions manages session lifecycle and is the source of truth for
	// history. Required.
	Sessions session.Service

	// RejectBusy makes a turn on a busy session fail with SessionBusy
	// instead of waiting for the lease.
	RejectBusy bool
}

// Runner executes agent turns under per-session leases.
type Runner struct {
	appName    string
	agent      agent.Agent
	sessions   session.Service
	rejectBusy bool
	logger     *slog.Logger

	mu     sync.Mutex
	leases map[string]chan struct{}
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	return &Runner{
		appName:    cfg.AppName,
		agent:      cfg.Agent,
		sessions:   cfg.Sessions,
		rejectBusy: cfg.RejectBusy,
		logger:     slog.Default().With("component", "runner"),
		leases:     make(map[string]chan struct{}),
	}, nil
}

// AppName returns the application name.
func (r *Runner) AppName() string { return r.appName }

// Agent returns the agent executed by this runner.
func (r *Runner) Agent() agent.Agent { return r.agent }

// Sessions returns the session service.
func (r *Runner) Sessions() session.Service { return r.sessions }

// Run executes one turn for the given user input, yielding events as they
// are produced. Non-partial events are persisted before they are yielded,
// so downstream consumers always observe committed history.
func (r *Runner) Run(ctx context.Context, userID, sessionID string, content *agent.Content) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		release, err := r.acquire(ctx, sessionID)
		if err != nil {
			yield(nil, err)
			return
		}
		defer release()

		sess, err := r.getOrCreateSession(ctx, userID, sessionID)
		if err != nil {
			yield(nil, err)
			return
		}

		defer r.clearTempState(sess)

		invCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
			Agent:       r.agent,
			Session:     sess,
			UserContent: content,
		})

		if err := r.appendUserMessage(ctx, sess, content, invCtx.InvocationID()); err != nil {
			yield(nil, err)
			return
		}

		for event, err := range r.agent.Run(invCtx) {
			if err != nil {
				if !yield(event, err) {
					return
				}
				continue
			}

			if !event.Partial {
				if err := r.sessions.AppendEvent(ctx, sess, event); err != nil {
					yield(nil, fmt.Errorf("failed to persist event: %w", err))
					return
				}
			}

			if !yield(event, nil) {
				return
			}
		}
	}
}

// acquire takes the session's turn lease. Queued acquisition honors ctx
// cancellation; in reject mode a held lease yields SessionBusy immediately.
func (r *Runner) acquire(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	lease, ok := r.leases[sessionID]
	if !ok {
		lease = make(chan struct{}, 1)
		r.leases[sessionID] = lease
	}
	r.mu.Unlock()

	if r.rejectBusy {
		select {
		case lease <- struct{}{}:
		default:
			return nil, agent.Errorf(agent.ErrKindSessionBusy,
				"session %s already has a turn in flight", sessionID)
		}
	} else {
		select {
		case lease <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return func() { <-lease }, nil
}

// Forget drops the lease tracking for a deleted session.
func (r *Runner) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.leases, sessionID)
	r.mu.Unlock()
}

// clearTempState removes all temp: prefixed keys from session state after
// the turn.
func (r *Runner) clearTempState(sess session.Session) {
	if clearable, ok := sess.State().(agent.TempClearable); ok {
		clearable.ClearTempKeys()
	}
}

func (r *Runner) getOrCreateSession(ctx context.Context, userID, sessionID string) (session.Session, error) {
	resp, err := r.sessions.Get(ctx, &session.GetRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err == nil && resp != nil {
		return resp.Session, nil
	}

	createResp, err := r.sessions.Create(ctx, &session.CreateRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
		State:     make(map[string]any),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Info("Session created", "session_id", createResp.Session.ID(), "user_id", userID)
	return createResp.Session, nil
}

func (r *Runner) appendUserMessage(ctx context.Context, sess session.Session, content *agent.Content, invocationID string) error {
	if content == nil {
		return nil
	}

	event := agent.NewEvent(invocationID)
	event.Author = agent.AuthorUser
	event.Message = content.ToMessage()

	return r.sessions.AppendEvent(ctx, sess, event)
}
