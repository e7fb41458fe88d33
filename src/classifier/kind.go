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
	"fmt"
	"strings"

	"maskpipeworker/src/model"
)

// Built-in operation kinds.
const (
	KindDBInstance = "db-instance"
	KindDBSnapshot = "db-snapshot"
	KindMaskingRun = "masking-run"
)

// Prober backends a kind can be polled with.
const (
	ProberRDSInstance = "rds-instance"
	ProberRDSSnapshot = "rds-snapshot"
	ProberMaskingRun  = "masking-run"
)

const (
	defaultFailureCode  = "failed"
	defaultFailureCause = "failed"
)

// Kind is the status vocabulary and output shape of one operation kind.
// Vocabulary entries are matched case-insensitively; an entry ending in "*" matches
// any status with that prefix.
type Kind struct {
	Name         string   `yaml:"name" validate:"required"`
	Prober       string   `yaml:"prober" validate:"required,oneof=rds-instance rds-snapshot masking-run"`
	SubjectField string   `yaml:"subject_field" validate:"required"`
	FailureCode  string   `yaml:"failure_code"`
	FailureCause string   `yaml:"failure_cause"`
	Success      []string `yaml:"success" validate:"min=1,dive,required"`
	Pending      []string `yaml:"pending" validate:"dive,required"`
	Terminal     []string `yaml:"terminal" validate:"dive,required"`

	exact    map[string]model.OutcomeKind
	prefixes []prefixRule
}

type prefixRule struct {
	prefix  string
	outcome model.OutcomeKind
}

// compile builds the lookup tables. A status listed under two outcomes is rejected.
func (k *Kind) compile() error {
	k.exact = make(map[string]model.OutcomeKind)
	k.prefixes = nil
	if k.FailureCode == "" {
		k.FailureCode = defaultFailureCode
	}
	if k.FailureCause == "" {
		k.FailureCause = defaultFailureCause
	}

	groups := []struct {
		statuses []string
		outcome  model.OutcomeKind
	}{
		{k.Success, model.OutcomeSuccess},
		{k.Pending, model.OutcomePending},
		{k.Terminal, model.OutcomeTerminalFailure},
	}
	seen := make(map[string]model.OutcomeKind)
	for _, g := range groups {
		for _, raw := range g.statuses {
			status := normalize(raw)
			if prev, ok := seen[status]; ok && prev != g.outcome {
				return fmt.Errorf("kind %s: status %q mapped to both %s and %s", k.Name, status, prev, g.outcome)
			}
			seen[status] = g.outcome
			if prefix, ok := strings.CutSuffix(status, "*"); ok {
				k.prefixes = append(k.prefixes, prefixRule{prefix: prefix, outcome: g.outcome})
				continue
			}
			k.exact[status] = g.outcome
		}
	}
	return nil
}

// lookup maps a raw status to its outcome. Exact matches win over prefixes, and the
// longest prefix wins among prefixes.
func (k *Kind) lookup(raw string) (model.OutcomeKind, bool) {
	status := normalize(raw)
	if outcome, ok := k.exact[status]; ok {
		return outcome, true
	}
	best := -1
	var outcome model.OutcomeKind
	for _, rule := range k.prefixes {
		if strings.HasPrefix(status, rule.prefix) && len(rule.prefix) > best {
			best = len(rule.prefix)
			outcome = rule.outcome
		}
	}
	return outcome, best >= 0
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DBInstanceKind covers RDS instances restored from a snapshot.
func DBInstanceKind() *Kind {
	return &Kind{
		Name:         KindDBInstance,
		Prober:       ProberRDSInstance,
		SubjectField: "DBInstanceIdentifier",
		Success:      []string{"available"},
		Pending: []string{
			"creating",
			"inaccessible-encryption-credentials-recoverable",
			"backing-up",
			"modifying",
			"restoring",
			"configuring-enhanced-monitoring",
			"configuring-iam-database-auth",
			"configuring-log-exports",
			"converting-to-vpc",
			"maintenance",
			"rebooting",
			"renaming",
			"resetting-master-credentials",
			"starting",
			"storage-optimization",
			"upgrading",
		},
		Terminal: []string{
			"failed",
			"incompatible-*",
			"inaccessible-encryption-credentials*",
			"deleting",
			"deleted",
			"stopping",
			"stopped",
			"storage-full",
		},
	}
}

// DBSnapshotKind covers the snapshot taken of the masked database, either an RDS
// instance snapshot or an Aurora cluster snapshot.
func DBSnapshotKind() *Kind {
	return &Kind{
		Name:         KindDBSnapshot,
		Prober:       ProberRDSSnapshot,
		SubjectField: "MaskedDBSnapshotIdentifier",
		FailureCause: "Error creating snapshot of masked database",
		Success:      []string{"available"},
		Pending:      []string{"creating", "copying"},
		Terminal:     []string{"failed", "incompatible-*", "deleting", "deleted"},
	}
}

// MaskingRunKind covers DataMasque masking runs.
func MaskingRunKind() *Kind {
	return &Kind{
		Name:         KindMaskingRun,
		Prober:       ProberMaskingRun,
		SubjectField: "run_id",
		Success:      []string{"finished"},
		Pending:      []string{"queued", "running", "validating", "cancelling"},
		Terminal:     []string{"failed", "cancelled"},
	}
}
