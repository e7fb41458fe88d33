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
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"maskpipeworker/src/model"
)

// RDSSnapshotAPI is the part of the RDS client the snapshot prober needs.
type RDSSnapshotAPI interface {
	DescribeDBSnapshots(ctx context.Context, in *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	DescribeDBClusterSnapshots(ctx context.Context, in *rds.DescribeDBClusterSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClusterSnapshotsOutput, error)
}

// RDSSnapshotProber reports the Status of a manual snapshot. Instance snapshots are
// looked up first; an identifier unknown there is looked up among Aurora cluster
// snapshots.
type RDSSnapshotProber struct {
	client RDSSnapshotAPI
}

func NewRDSSnapshotProber(client RDSSnapshotAPI) *RDSSnapshotProber {
	return &RDSSnapshotProber{client: client}
}

func (p *RDSSnapshotProber) Probe(ctx context.Context, snapshotID string) model.ProbeResult {
	out, err := p.client.DescribeDBSnapshots(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	var notFound *types.DBSnapshotNotFoundFault
	switch {
	case errors.As(err, &notFound):
	case err != nil:
		return model.ProbeResult{RawError: fmt.Errorf("describe db snapshot %s: %w", snapshotID, err)}
	case out != nil && len(out.DBSnapshots) > 0:
		return snapshotStatus(snapshotID, out.DBSnapshots[0].Status)
	}
	return p.probeCluster(ctx, snapshotID)
}

func (p *RDSSnapshotProber) probeCluster(ctx context.Context, snapshotID string) model.ProbeResult {
	out, err := p.client.DescribeDBClusterSnapshots(ctx, &rds.DescribeDBClusterSnapshotsInput{
		DBClusterSnapshotIdentifier: aws.String(snapshotID),
	})
	if err != nil {
		var notFound *types.DBClusterSnapshotNotFoundFault
		if errors.As(err, &notFound) {
			return model.ProbeResult{RawError: fmt.Errorf("%w: db snapshot %s", model.ErrSubjectNotFound, snapshotID)}
		}
		return model.ProbeResult{RawError: fmt.Errorf("describe db cluster snapshot %s: %w", snapshotID, err)}
	}
	if out == nil || len(out.DBClusterSnapshots) == 0 {
		return model.ProbeResult{RawError: fmt.Errorf("%w: db snapshot %s", model.ErrSubjectNotFound, snapshotID)}
	}
	return snapshotStatus(snapshotID, out.DBClusterSnapshots[0].Status)
}

func snapshotStatus(snapshotID string, status *string) model.ProbeResult {
	if aws.ToString(status) == "" {
		return model.ProbeResult{RawError: fmt.Errorf("db snapshot %s: empty status in response", snapshotID)}
	}
	return model.ProbeResult{RawStatus: aws.ToString(status)}
}
