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

// Package vlm turns screenshots into text descriptions the agent loop can
// reason over in GUI mode. It rides the same provider abstraction as every
// other LLM call; only the message carries an image part.
package vlm

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/prompt"
)

// Describer produces a textual description of a screenshot.
type Describer struct {
	gw      *gateway.Gateway
	prompts *prompt.Registry
}

// New creates a Describer.
func New(gw *gateway.Gateway, prompts *prompt.Registry) (*Describer, error) {
	if gw == nil || prompts == nil {
		return nil, fmt.Errorf("vlm: gateway and prompt registry are required")
	}
	return &Describer{gw: gw, prompts: prompts}, nil
}

// DescribeScreen sends the PNG image to the vision model and returns its
// description. taskID keys the GUI reasoning session partition.
func (d *Describer) DescribeScreen(ctx context.Context, taskID string, png []byte) (string, error) {
	instruction, err := d.prompts.Get("describe_screen")
	if err != nil {
		return "", err
	}

	req := &model.Request{
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser,
				a2a.TextPart{Text: instruction},
				a2a.FilePart{File: a2a.FileBytes{FileMeta: a2a.FileMeta{MimeType: "image/png"}, Bytes: string(png)}},
			),
		},
		CallType: gateway.CallTypeGUIReasoning,
	}

	resp, err := d.gw.GenerateWithSession(ctx, taskID, req)
	if err != nil {
		return "", fmt.Errorf("vlm: describe screen: %w", err)
	}

	desc := strings.TrimSpace(resp.TextContent())
	if desc == "" {
		return "", fmt.Errorf("vlm: vision model returned no description")
	}
	return desc, nil
}
