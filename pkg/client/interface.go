package client

import (
	"context"
)

// VisionClient is a vision-language model backend. DescribeOutfit asks the
// model for a JSON answer and returns the raw text; callers parse it.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DescribeOutfit(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
