package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values  map[string]string
	invalid []string
	err     error
	batches [][]string
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{InvalidParameters: f.invalid}
	for _, name := range in.Names {
		if v, ok := f.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
		}
	}
	return out, nil
}

func TestSSMProvider_BatchesByTen(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{}}
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/kickoff/p%d", i)
		fake.values[keys[i]] = fmt.Sprintf("v%d", i)
	}
	p := &SSMProvider{region: "eu-west-1", client: fake}

	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)

	assert.Len(t, got, 23)
	require.Len(t, fake.batches, 3)
	assert.Len(t, fake.batches[0], 10)
	assert.Len(t, fake.batches[2], 3)
	assert.Equal(t, "v22", got["/prod/kickoff/p22"])
}

func TestSSMProvider_Errors(t *testing.T) {
	p := &SSMProvider{client: &fakeSSM{err: errors.New("access denied")}}
	_, err := p.GetParametersBatch(context.Background(), []string{"/a"})
	require.ErrorContains(t, err, "access denied")

	p = &SSMProvider{client: &fakeSSM{invalid: []string{"/missing"}}}
	_, err = p.GetParametersBatch(context.Background(), []string{"/missing"})
	require.ErrorContains(t, err, "/missing")
}

func TestSSMProvider_EmptyKeysSkipsClient(t *testing.T) {
	p := NewSSMProvider("eu-west-1", "")
	got, err := p.GetParametersBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Nil(t, p.client)
}
