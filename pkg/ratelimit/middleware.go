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

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// SimpleMiddleware enforces limiter on every request except the excluded
// paths. Requests are identified by the X-Session-ID header when present
// and by remote address otherwise; a limiter error fails open, since a
// broken limiter store should not take the ingestion surface down with it.
func SimpleMiddleware(limiter RateLimiter, excludedPaths ...string) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			identifier := r.Header.Get("X-Session-ID")
			if identifier == "" {
				identifier = r.RemoteAddr
			}

			result, err := limiter.CheckAndRecord(r.Context(), ScopeSession, identifier, 0, 1)
			if err != nil {
				slog.Error("ratelimit: check failed, allowing request", "identifier", identifier, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			writeLimitHeaders(w, result)
			if !result.Allowed {
				writeLimited(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeLimited sends the 429 response with retry and usage detail.
func writeLimited(w http.ResponseWriter, result *CheckResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.RetryAfter != nil && *result.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()), 10))
	}
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]any{
		"error": map[string]any{
			"code":    "rate_limit_exceeded",
			"message": result.Reason,
		},
	}
	if result.RetryAfter != nil {
		body["retry_after_seconds"] = int64(result.RetryAfter.Seconds())
	}
	if len(result.Usages) > 0 {
		usages := make([]map[string]any, len(result.Usages))
		for i, u := range result.Usages {
			usages[i] = map[string]any{
				"type":      u.LimitType,
				"window":    u.Window,
				"current":   u.Current,
				"limit":     u.Limit,
				"remaining": u.Remaining,
				"resets_at": u.WindowEnd.Format(time.RFC3339),
			}
		}
		body["usage"] = usages
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeLimitHeaders reports the most restrictive window on the standard
// X-RateLimit headers.
func writeLimitHeaders(w http.ResponseWriter, result *CheckResult) {
	if result == nil || len(result.Usages) == 0 {
		return
	}
	most := &result.Usages[0]
	for i := range result.Usages {
		if result.Usages[i].Percentage > most.Percentage {
			most = &result.Usages[i]
		}
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(most.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(most.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(most.WindowEnd.Unix(), 10))
}
