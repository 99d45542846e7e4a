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

//go:build !linux

package storage

import "golang.org/x/sys/unix"

// Sync on non-Linux platforms has no portable byte-range primitive, so it
// always syncs the whole file; this is still a correct (if coarser)
// implementation of the Device contract.
func (d *osDevice) Sync(_, _ int64) error {
	return unix.Fsync(int(d.f.Fd()))
}
