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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jio-project/jio"
	"github.com/jio-project/jio/fsck"
	"github.com/jio-project/jio/internal/metrics"
	"github.com/spf13/cobra"
)

var journalDirFlag string

var fsckCmd = &cobra.Command{
	Use:   "fsck <data-file>",
	Short: "Replay or discard journal records left behind by an unclean shutdown",
	Long: `fsck classifies every record surviving in the journal directory next
to the given data file (or the one given by --journal-dir), reapplies
the ones whose commit completed, and discards everything else. A data
file with no journal directory has nothing to recover and reports zero
counts. It must not be run against a data file currently held open by
another process: the journal directory's lock file will reject it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataPath := args[0]
		start := time.Now()
		result, err := jio.Fsck(dataPath, journalDirFlag)
		if err != nil && !errors.Is(err, jio.ErrNoJournal) {
			return fmt.Errorf("fsck %s: %w", dataPath, err)
		}
		recordFsckMetrics(result, time.Since(start))
		fmt.Fprintf(cmd.OutOrStdout(),
			"processed=%d reapplied=%d apply_errors=%d in_progress=%d invalid=%d broken=%d corrupt=%d\n",
			result.TotalProcessed, result.Reapplied, result.ApplyErrors,
			result.InProgress, result.Invalid, result.Broken, result.Corrupt)
		return nil
	},
}

// fsckMetrics is lazily built on first use rather than at package init,
// so a bare `go test` run that never invokes the command doesn't stand
// up a Prometheus registry for nothing.
var fsckMetrics *metrics.Handle

func recordFsckMetrics(result fsck.Result, d time.Duration) {
	if fsckMetrics == nil {
		h, _, err := metrics.New()
		if err != nil {
			return
		}
		fsckMetrics = h
	}
	ctx := context.Background()
	for class, count := range map[string]int{
		"committed":   result.Reapplied,
		"in_progress": result.InProgress,
		"invalid":     result.Invalid,
		"broken":      result.Broken,
		"corrupt":     result.Corrupt,
	} {
		for i := 0; i < count; i++ {
			fsckMetrics.FsckRecord(ctx, class)
		}
	}
	fsckMetrics.FsckFinished(ctx, d)
}

func init() {
	fsckCmd.Flags().StringVar(&journalDirFlag, "journal-dir", "", "Journal directory; defaults to the hidden sibling of the data file.")
}
