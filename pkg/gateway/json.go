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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/model"
)

// jsonParseRetries is how many times GenerateJSON re-prompts after an
// unparseable response before returning the last error.
const jsonParseRetries = 3

// StripCodeFences removes a leading and trailing triple-backtick fence
// (with optional language tag) from an LLM response, leaving the payload.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line ("json", "yaml", or empty).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// GenerateJSON asks the LLM for a response it unmarshals into out. On a
// parse failure it re-prompts up to jsonParseRetries times, appending a
// feedback block that echoes the raw response and the parse error, matching
// how every structured call site in the kernel recovers from schema
// violations.
func (g *Gateway) GenerateJSON(ctx context.Context, taskID string, req *model.Request, out any) error {
	var lastErr error
	messages := req.Messages

	for attempt := 0; attempt <= jsonParseRetries; attempt++ {
		attemptReq := *req
		attemptReq.Messages = messages

		resp, err := g.call(ctx, taskID, &attemptReq)
		if err != nil {
			return err
		}

		raw := resp.TextContent()
		cleaned := StripCodeFences(raw)
		if err := json.Unmarshal([]byte(cleaned), out); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < jsonParseRetries {
			feedback := fmt.Sprintf(
				"Your previous response could not be parsed as JSON.\n\nResponse:\n%s\n\nError: %v\n\nReply again with valid JSON only, no prose and no code fences.",
				raw, lastErr)
			messages = append(messages,
				a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: raw}),
				a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: feedback}),
			)
		}
	}

	return fmt.Errorf("gateway: response was not valid JSON after %d retries: %w", jsonParseRetries, lastErr)
}
