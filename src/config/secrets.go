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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the part of the Secrets Manager client used at startup.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type maskingSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResolveMaskingCredentials fills Username/Password from SecretARN when they are not
// set directly. The secret is a JSON document with username and password keys.
func (m *MaskingConfig) ResolveMaskingCredentials(ctx context.Context, client SecretsAPI) error {
	if m.Username != "" && m.Password != "" {
		return nil
	}
	if m.SecretARN == "" {
		return errors.New("masking credentials: set DATAMASQUE_USERNAME/DATAMASQUE_PASSWORD or DATAMASQUE_SECRET_ARN")
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.SecretARN),
	})
	if err != nil {
		return fmt.Errorf("get masking secret: %w", err)
	}

	var secret maskingSecret
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &secret); err != nil {
		return fmt.Errorf("decode masking secret: %w", err)
	}
	if secret.Username == "" || secret.Password == "" {
		return errors.New("masking secret is missing username or password")
	}
	m.Username, m.Password = secret.Username, secret.Password
	return nil
}
