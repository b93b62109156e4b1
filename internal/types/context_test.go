package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
}
