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

package auth

import "context"

// TokenValidator validates bearer tokens. JWTValidator is the concrete
// implementation; the interface exists so servers can be handed a nil
// validator (auth disabled) or a test double.
type TokenValidator interface {
	// ValidateToken checks a token and returns its claims.
	ValidateToken(ctx context.Context, tokenString string) (interface{}, error)

	// Close releases validator resources (e.g. the JWKS refresh loop).
	Close()
}

var _ TokenValidator = (*JWTValidator)(nil)
