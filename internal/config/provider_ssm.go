package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// GetParameters accepts at most ten names per call.
const ssmMaxBatchSize = 10

type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves SecureString parameters from AWS SSM Parameter Store.
// The client is created lazily so that local runs never load AWS credentials.
type SSMProvider struct {
	region   string
	endpoint string
	client   ssmClient
}

// NewSSMProvider returns a provider for region. endpoint overrides the AWS
// endpoint (LocalStack) when non-empty.
func NewSSMProvider(region, endpoint string) *SSMProvider {
	return &SSMProvider{region: region, endpoint: endpoint}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if p.endpoint != "" {
			o.BaseEndpoint = aws.String(p.endpoint)
		}
	})
	return nil
}

// GetParametersBatch implements SecretProvider. Unknown parameter names are
// reported as an error because a referenced secret that does not exist is a
// deployment mistake.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("SSM resolution interrupted: %w", err)
		}
		end := min(start+ssmMaxBatchSize, len(keys))

		out, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters (%d-%d of %d): %w", start, end-1, len(keys), err)
		}
		if len(out.InvalidParameters) > 0 {
			return nil, fmt.Errorf("SSM parameters not found: %v", out.InvalidParameters)
		}
		for _, param := range out.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
	}
	return result, nil
}
