// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jio

import (
	"context"
	"time"

	"github.com/jio-project/jio/autosync"
)

// meteredSyncer wraps a Handle so every autosync-triggered drain is
// counted, without requiring the autosync package itself to know about
// metrics.
type meteredSyncer struct{ h *Handle }

func (s meteredSyncer) LingeringBytes() int64 { return s.h.LingeringBytes() }

func (s meteredSyncer) Sync() error {
	err := s.h.Sync()
	if s.h.metrics != nil {
		s.h.metrics.AutosyncFlushed(context.Background(), "drain")
	}
	return err
}

// AutosyncStart starts a background task that drains lingering
// transactions once maxSeconds elapses or the lingering byte total
// crosses maxBytes, whichever comes first. Only one autosync task per
// handle is allowed; starting a second is an error.
func (h *Handle) AutosyncStart(maxSeconds time.Duration, maxBytes int64) error {
	if h.autosyncTask == nil {
		h.autosyncTask = autosync.New(h.clk, meteredSyncer{h: h})
	}
	return h.autosyncTask.Start(maxSeconds, maxBytes)
}

// AutosyncStop stops the background task and joins it before returning.
func (h *Handle) AutosyncStop() {
	if h.autosyncTask != nil {
		h.autosyncTask.Stop()
	}
}
