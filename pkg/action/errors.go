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

package action

import "errors"

var (
	// ErrActionNotFound is returned when a Registry lookup names an
	// action that was never registered.
	ErrActionNotFound = errors.New("action: not found")

	// ErrObserverFailed is returned when an action's result was rejected
	// by its observer on every retry attempt.
	ErrObserverFailed = errors.New("action: observer rejected result")
)
