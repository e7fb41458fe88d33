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
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"maskpipeworker/src/model"
)

type mockSnapshots struct {
	mock.Mock
}

func (m *mockSnapshots) DescribeDBSnapshots(ctx context.Context, in *rds.DescribeDBSnapshotsInput, _ ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error) {
	args := m.Called(ctx, aws.ToString(in.DBSnapshotIdentifier))
	out, _ := args.Get(0).(*rds.DescribeDBSnapshotsOutput)
	return out, args.Error(1)
}

func (m *mockSnapshots) DescribeDBClusterSnapshots(ctx context.Context, in *rds.DescribeDBClusterSnapshotsInput, _ ...func(*rds.Options)) (*rds.DescribeDBClusterSnapshotsOutput, error) {
	args := m.Called(ctx, aws.ToString(in.DBClusterSnapshotIdentifier))
	out, _ := args.Get(0).(*rds.DescribeDBClusterSnapshotsOutput)
	return out, args.Error(1)
}

func instanceSnapshot(status string) *rds.DescribeDBSnapshotsOutput {
	return &rds.DescribeDBSnapshotsOutput{DBSnapshots: []types.DBSnapshot{{
		DBSnapshotIdentifier: aws.String("masked-snap"),
		Status:               aws.String(status),
	}}}
}

func clusterSnapshot(status string) *rds.DescribeDBClusterSnapshotsOutput {
	return &rds.DescribeDBClusterSnapshotsOutput{DBClusterSnapshots: []types.DBClusterSnapshot{{
		DBClusterSnapshotIdentifier: aws.String("masked-snap"),
		Status:                      aws.String(status),
	}}}
}

func TestRDSSnapshotProber(t *testing.T) {
	ctx := context.Background()
	instanceMissing := &types.DBSnapshotNotFoundFault{Message: aws.String("nope")}
	clusterMissing := &types.DBClusterSnapshotNotFoundFault{Message: aws.String("nope")}
	boom := errors.New("throttling")

	t.Run("instance snapshot", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(instanceSnapshot("creating"), nil).Once()

		res := NewRDSSnapshotProber(client).Probe(ctx, "masked-snap")

		require.NoError(t, res.RawError)
		assert.Equal(t, "creating", res.RawStatus)
		client.AssertNotCalled(t, "DescribeDBClusterSnapshots", mock.Anything, mock.Anything)
	})

	t.Run("falls back to aurora cluster snapshot", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(nil, instanceMissing).Once()
		client.On("DescribeDBClusterSnapshots", ctx, "masked-snap").Return(clusterSnapshot("available"), nil).Once()

		res := NewRDSSnapshotProber(client).Probe(ctx, "masked-snap")

		require.NoError(t, res.RawError)
		assert.Equal(t, "available", res.RawStatus)
		client.AssertExpectations(t)
	})

	t.Run("empty instance list falls back too", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(&rds.DescribeDBSnapshotsOutput{}, nil).Once()
		client.On("DescribeDBClusterSnapshots", ctx, "masked-snap").Return(clusterSnapshot("failed"), nil).Once()

		assert.Equal(t, "failed", NewRDSSnapshotProber(client).Probe(ctx, "masked-snap").RawStatus)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(nil, instanceMissing).Once()
		client.On("DescribeDBClusterSnapshots", ctx, "masked-snap").Return(nil, clusterMissing).Once()

		res := NewRDSSnapshotProber(client).Probe(ctx, "masked-snap")
		assert.ErrorIs(t, res.RawError, model.ErrSubjectNotFound)
		assert.Empty(t, res.RawStatus)
	})

	t.Run("transport error does not fall back", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(nil, boom).Once()

		res := NewRDSSnapshotProber(client).Probe(ctx, "masked-snap")
		assert.ErrorIs(t, res.RawError, boom)
		client.AssertNotCalled(t, "DescribeDBClusterSnapshots", mock.Anything, mock.Anything)
	})

	t.Run("empty status", func(t *testing.T) {
		client := new(mockSnapshots)
		client.On("DescribeDBSnapshots", ctx, "masked-snap").Return(instanceSnapshot(""), nil).Once()

		assert.Error(t, NewRDSSnapshotProber(client).Probe(ctx, "masked-snap").RawError)
	})
}
