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

// RDSAPI is the part of the RDS client the instance prober needs.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// RDSInstanceProber reports DBInstanceStatus of a single RDS instance.
type RDSInstanceProber struct {
	client RDSAPI
}

func NewRDSInstanceProber(client RDSAPI) *RDSInstanceProber {
	return &RDSInstanceProber{client: client}
}

func (p *RDSInstanceProber) Probe(ctx context.Context, instanceID string) model.ProbeResult {
	out, err := p.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		var notFound *types.DBInstanceNotFoundFault
		if errors.As(err, &notFound) {
			// Right after RestoreDBInstanceFromDBSnapshot the instance may not be listed yet.
			return model.ProbeResult{RawError: fmt.Errorf("%w: db instance %s", model.ErrSubjectNotFound, instanceID)}
		}
		return model.ProbeResult{RawError: fmt.Errorf("describe db instance %s: %w", instanceID, err)}
	}
	if out == nil || len(out.DBInstances) == 0 {
		return model.ProbeResult{RawError: fmt.Errorf("%w: db instance %s", model.ErrSubjectNotFound, instanceID)}
	}

	status := aws.ToString(out.DBInstances[0].DBInstanceStatus)
	if status == "" {
		return model.ProbeResult{RawError: fmt.Errorf("db instance %s: empty status in response", instanceID)}
	}
	return model.ProbeResult{RawStatus: status}
}
