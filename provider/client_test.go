package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient(context.Background(), ClientConfig{
		Endpoint:        "https://example.r2.cloudflarestorage.com",
		UsePathStyle:    true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	require.NotNil(t, client)

	opts := client.Options()
	require.Equal(t, "auto", opts.Region)
	require.True(t, opts.UsePathStyle)
	require.Equal(t, "https://example.r2.cloudflarestorage.com", *opts.BaseEndpoint)
}
