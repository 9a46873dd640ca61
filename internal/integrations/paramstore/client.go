package paramstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// maxBatch is the SSM limit on names per GetParameters call.
const maxBatch = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// MissingError lists parameters SSM did not return. GetParameters returns it
// alongside the values that were found.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "paramstore: parameters missing value: " + strings.Join(e.Names, ", ")
}

// Getter is the interface that wraps GetParameter.
// Consumers (e.g. the OpenAI client) should depend on this interface rather
// than the concrete *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches several decrypted parameters, batching requests to the
// SSM limit. Names SSM does not return are reported in a *MissingError; the
// map still holds every value that was found.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("paramstore: name is required")
		}
		cleaned = append(cleaned, n)
	}

	values := make(map[string]string, len(cleaned))
	var invalid []string
	for start := 0; start < len(cleaned); start += maxBatch {
		end := min(start+maxBatch, len(cleaned))
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          cleaned[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			return nil, errors.New("paramstore: empty get parameters response")
		}
		invalid = append(invalid, out.InvalidParameters...)
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			values[*p.Name] = *p.Value
		}
	}
	for _, n := range cleaned {
		if _, ok := values[n]; !ok && !slices.Contains(invalid, n) {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		return values, &MissingError{Names: invalid}
	}
	return values, nil
}
