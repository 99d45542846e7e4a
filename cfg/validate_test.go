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

package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validLogRotateConfig() LogRotateLoggingConfig {
	return LogRotateLoggingConfig{
		BackupFileCount: 0,
		Compress:        false,
		MaxFileSizeMb:   1,
	}
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Logging:  LoggingConfig{LogRotate: validLogRotateConfig()},
				Autosync: AutosyncConfig{MaxSeconds: 5 * time.Second},
			},
			wantErr: false,
		},
		{
			name: "zero max file size",
			config: &Config{
				Logging: LoggingConfig{LogRotate: LogRotateLoggingConfig{MaxFileSizeMb: 0}},
			},
			wantErr: true,
		},
		{
			name: "negative backup count",
			config: &Config{
				Logging: LoggingConfig{LogRotate: LogRotateLoggingConfig{MaxFileSizeMb: 1, BackupFileCount: -1}},
			},
			wantErr: true,
		},
		{
			name: "negative autosync max-bytes",
			config: &Config{
				Logging:  LoggingConfig{LogRotate: validLogRotateConfig()},
				Autosync: AutosyncConfig{MaxBytes: -1},
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(tc.config)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
