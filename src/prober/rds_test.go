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
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"maskpipeworker/src/model"
)

type mockRDS struct {
	mock.Mock
}

func (m *mockRDS) DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	args := m.Called(ctx, aws.ToString(in.DBInstanceIdentifier))
	out, _ := args.Get(0).(*rds.DescribeDBInstancesOutput)
	return out, args.Error(1)
}

func instances(statuses ...string) *rds.DescribeDBInstancesOutput {
	out := &rds.DescribeDBInstancesOutput{}
	for _, s := range statuses {
		out.DBInstances = append(out.DBInstances, types.DBInstance{
			DBInstanceIdentifier: aws.String("stage-db"),
			DBInstanceStatus:     aws.String(s),
		})
	}
	return out
}

func TestRDSInstanceProber(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("throttling")

	tests := []struct {
		name       string
		out        *rds.DescribeDBInstancesOutput
		err        error
		wantStatus string
		wantErr    error
	}{
		{name: "status verbatim", out: instances("Backing-Up"), wantStatus: "Backing-Up"},
		{name: "available", out: instances("available"), wantStatus: "available"},
		{name: "not found fault", err: &types.DBInstanceNotFoundFault{Message: aws.String("nope")}, wantErr: model.ErrSubjectNotFound},
		{name: "empty list", out: instances(), wantErr: model.ErrSubjectNotFound},
		{name: "transport error", err: boom, wantErr: boom},
		{name: "empty status", out: instances("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockRDS)
			client.On("DescribeDBInstances", ctx, "stage-db").Return(tt.out, tt.err).Once()

			res := NewRDSInstanceProber(client).Probe(ctx, "stage-db")

			client.AssertExpectations(t)
			if tt.wantStatus != "" {
				require.NoError(t, res.RawError)
				assert.Equal(t, tt.wantStatus, res.RawStatus)
				return
			}
			require.Error(t, res.RawError)
			assert.Empty(t, res.RawStatus)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.RawError, tt.wantErr)
			}
		})
	}
}

func TestProbeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := new(mockRDS)
	client.On("DescribeDBInstances", ctx, "stage-db").Return(instances("modifying"), nil)

	p := NewRDSInstanceProber(client)
	first, second := p.Probe(ctx, "stage-db"), p.Probe(ctx, "stage-db")

	assert.Equal(t, first, second)
	client.AssertNumberOfCalls(t, "DescribeDBInstances", 2)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := Func(func(context.Context, string) model.ProbeResult { return model.ProbeResult{RawStatus: "ok"} })
	r.Register("db-instance", p)

	got, err := r.Lookup("db-instance")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Probe(context.Background(), "x").RawStatus)

	_, err = r.Lookup("masking-run")
	assert.ErrorIs(t, err, model.ErrUnknownKind)
}

func TestRateLimited(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, string) model.ProbeResult {
		calls.Add(1)
		return model.ProbeResult{RawStatus: "running"}
	})

	t.Run("disabled returns inner prober", func(t *testing.T) {
		assert.IsType(t, Func(nil), NewRateLimited(inner, 0, 1))
	})

	t.Run("passes through within burst", func(t *testing.T) {
		p := NewRateLimited(inner, 1, 2)
		assert.Equal(t, "running", p.Probe(context.Background(), "a").RawStatus)
		assert.Equal(t, "running", p.Probe(context.Background(), "b").RawStatus)
	})

	t.Run("cancelled wait becomes a probe error", func(t *testing.T) {
		before := calls.Load()
		p := NewRateLimited(inner, 0.001, 1)
		require.NoError(t, p.Probe(context.Background(), "a").RawError)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		res := p.Probe(ctx, "b")

		assert.Error(t, res.RawError)
		assert.Equal(t, before+1, calls.Load())
	})
}
