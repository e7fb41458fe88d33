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

package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskpipeworker/src/model"
)

func TestTableLookup(t *testing.T) {
	table := DefaultTable()

	assert.Equal(t, []string{KindDBInstance, KindDBSnapshot, KindMaskingRun}, table.Names())
	assert.Equal(t, "DBInstanceIdentifier", table.SubjectField(KindDBInstance))
	assert.Equal(t, "MaskedDBSnapshotIdentifier", table.SubjectField(KindDBSnapshot))
	assert.Equal(t, "run_id", table.SubjectField(KindMaskingRun))
	assert.Empty(t, table.SubjectField("nope"))

	_, err := table.Lookup("nope")
	require.ErrorIs(t, err, model.ErrUnknownKind)
}

func TestTableLoadAddsKind(t *testing.T) {
	table := DefaultTable()

	err := table.Load([]byte(`
kinds:
  - name: masked-replica
    prober: rds-instance
    subject_field: ReplicaDBInstanceIdentifier
    failure_code: ReplicaFailed
    failure_cause: replica restore failed
    success: [available]
    pending: [creating, backing-up]
    terminal: [failed, "inaccessible-*"]
`))
	require.NoError(t, err)

	kind, err := table.Lookup("masked-replica")
	require.NoError(t, err)
	assert.Equal(t, ProberRDSInstance, kind.Prober)

	got := kind.Classify(model.ProbeResult{RawStatus: "inaccessible-encryption-credentials"}, 0, 5)
	assert.Equal(t, model.OutcomeTerminalFailure, got.Kind)
	assert.Equal(t, "ReplicaFailed", got.ErrorCode)
	assert.Equal(t, "replica restore failed", got.Cause)
}

func TestTableLoadOverridesBuiltin(t *testing.T) {
	table := DefaultTable()
	dir := t.TempDir()
	path := filepath.Join(dir, "kinds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds:
  - name: masking-run
    subject_field: run_id
    success: [finished, finished_with_warnings]
    pending: [queued, running]
    terminal: [failed, cancelled]
`), 0o600))

	require.NoError(t, table.LoadFile(path))

	kind, err := table.Lookup(KindMaskingRun)
	require.NoError(t, err)
	got := kind.Classify(model.ProbeResult{RawStatus: "finished_with_warnings"}, 0, 5)
	assert.Equal(t, model.OutcomeSuccess, got.Kind)
	assert.Equal(t, "failed", kind.FailureCode)
	assert.Equal(t, ProberMaskingRun, kind.Prober, "a replaced kind keeps its prober")
}

func TestTableLoadRejectsInvalidKinds(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing subject field",
			yaml: "kinds:\n  - name: x\n    prober: rds-instance\n    success: [ok]\n",
		},
		{
			name: "new kind without prober",
			yaml: "kinds:\n  - name: x\n    subject_field: id\n    success: [ok]\n",
		},
		{
			name: "unknown prober",
			yaml: "kinds:\n  - name: x\n    prober: ftp\n    subject_field: id\n    success: [ok]\n",
		},
		{
			name: "no success status",
			yaml: "kinds:\n  - name: x\n    prober: rds-instance\n    subject_field: id\n    pending: [a]\n",
		},
		{
			name: "status in two groups",
			yaml: "kinds:\n  - name: x\n    prober: rds-instance\n    subject_field: id\n    success: [done]\n    terminal: [DONE]\n",
		},
		{
			name: "not yaml",
			yaml: "kinds: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, DefaultTable().Load([]byte(tt.yaml)))
		})
	}
}

func TestPrefixMatchingPrefersExactAndLongest(t *testing.T) {
	table, err := NewTable(&Kind{
		Name:         "custom",
		Prober:       ProberRDSInstance,
		SubjectField: "id",
		Success:      []string{"done", "ready-*"},
		Pending:      []string{"ready-soon"},
		Terminal:     []string{"ready-soon-broken*"},
	})
	require.NoError(t, err)
	kind, err := table.Lookup("custom")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomePending, kind.Classify(model.ProbeResult{RawStatus: "ready-soon"}, 0, 5).Kind)
	assert.Equal(t, model.OutcomeTerminalFailure, kind.Classify(model.ProbeResult{RawStatus: "ready-soon-broken-disk"}, 0, 5).Kind)
	assert.Equal(t, model.OutcomeSuccess, kind.Classify(model.ProbeResult{RawStatus: "ready-now"}, 0, 5).Kind)
}
