// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package prober

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"maskpipeworker/src/model"
)

// RateLimited spreads probes against one external API when many tasks become due
// together, which is what happens after a worker restart.
type RateLimited struct {
	next    Prober
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter of rps requests per second and the given
// burst. A non-positive rps returns next unchanged.
func NewRateLimited(next Prober, rps float64, burst int) Prober {
	if rps <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Probe(ctx context.Context, subjectID string) model.ProbeResult {
	if err := r.limiter.Wait(ctx); err != nil {
		return model.ProbeResult{RawError: fmt.Errorf("rate limit wait: %w", err)}
	}
	return r.next.Probe(ctx, subjectID)
}
