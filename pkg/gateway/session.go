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

// CallType names the per-task session cache partitions. Each call site in
// the kernel chains its own provider-side context, so reasoning never
// pollutes action selection and vice versa.
const (
	CallTypeReasoning          = "reasoning"
	CallTypeActionSelection    = "action_selection"
	CallTypeGUIReasoning       = "gui_reasoning"
	CallTypeGUIActionSelection = "gui_action_selection"
)

// CreateSessionCache registers systemPrompt under (taskID, callType)
// without issuing a request. The session is created lazily by the first
// GenerateWithSession call; the stored prompt is what overflow recovery
// rebuilds the session from.
func (g *Gateway) CreateSessionCache(taskID, callType, systemPrompt string) {
	if g.cache == nil {
		return
	}
	g.cache.RegisterSession(taskID, callType, systemPrompt)
}

// EndSessionCache discards the handle and stored prompt for one
// (taskID, callType) pair. Idempotent.
func (g *Gateway) EndSessionCache(taskID, callType string) {
	if g.cache == nil {
		return
	}
	g.cache.EndSession(taskID, callType)
}

// EndAllSessionCaches discards every session entry for taskID. Idempotent;
// call at task teardown so provider-side context stops growing.
func (g *Gateway) EndAllSessionCaches(taskID string) {
	if g.cache == nil {
		return
	}
	g.cache.EndTask(taskID)
}
