/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package vsicurl

import "sync/atomic"

// authGeneration is a monotonically-increasing epoch bumped whenever
// credentials change (C3). Cache entries snapshot the epoch at insertion;
// a negative (non-existent) entry whose snapshot predates the current
// epoch is treated as absent so a fresh credential can retry the probe.
type authGeneration struct {
	epoch atomic.Int64
}

func newAuthGeneration() *authGeneration {
	ag := &authGeneration{}
	ag.epoch.Store(1)
	return ag
}

// Current returns the current epoch value.
func (ag *authGeneration) Current() int64 {
	return ag.epoch.Load()
}

// Bump advances the epoch and returns the new value. Called by
// Filesystem.AuthParametersChanged.
func (ag *authGeneration) Bump() int64 {
	return ag.epoch.Add(1)
}
