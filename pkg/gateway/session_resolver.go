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

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/trigger"
)

const sessionResolverPrompt = `A new trigger arrived for an agent that already has sessions in flight.
Decide which queued session, if any, this trigger continues.

Currently queued session ids:
%s

Incoming trigger:
session id: %s
description: %s
payload:
%s

Reply with exactly one of the queued session ids if this trigger clearly
continues that session, or the single word NONE if it should keep its own
session id. Reply with nothing else.`

// SessionResolver asks the Gateway's LLM which in-flight session a newly
// arrived trigger should adopt. It implements trigger.SessionResolver and
// is consulted by the Queue on every Put that finds other triggers queued.
// The Queue itself validates the answer against the session ids it actually
// has, so a hallucinated id here degrades to "keep the caller's session"
// rather than corrupting the queue.
type SessionResolver struct {
	gw *Gateway
}

// NewSessionResolver wraps gw as a trigger.SessionResolver.
func NewSessionResolver(gw *Gateway) *SessionResolver {
	return &SessionResolver{gw: gw}
}

// ResolveSession implements trigger.SessionResolver.
func (r *SessionResolver) ResolveSession(ctx context.Context, incoming *trigger.Trigger, candidateSessions []string) (string, error) {
	if incoming == nil || len(candidateSessions) == 0 {
		return "", nil
	}

	prompt := fmt.Sprintf(sessionResolverPrompt,
		strings.Join(candidateSessions, "\n"),
		orNone(incoming.SessionID),
		orNone(incoming.Reason),
		formatPayload(incoming.Payload),
	)

	req := &model.Request{
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: prompt}),
		},
		CallType: "resolve_session",
	}

	resp, err := r.gw.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gateway: session resolution call failed: %w", err)
	}

	answer := strings.TrimSpace(resp.TextContent())
	if answer == "" || strings.EqualFold(answer, "NONE") {
		return "", nil
	}
	return answer, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for k, v := range payload {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}

var _ trigger.SessionResolver = (*SessionResolver)(nil)
