package rest

import (
	"context"
	"fmt"
)

func (c *Client) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(data).
		Post("/storage/v1/object/" + bucket + "/" + key)
	if err != nil {
		return fmt.Errorf("put blob %s/%s: %w", bucket, key, err)
	}
	if resp.IsError() {
		return fmt.Errorf("put blob %s/%s: %w", bucket, key, restError(resp))
	}
	return nil
}

func (c *Client) PublicURL(bucket, key string) string {
	return c.cfg.BaseURL + "/storage/v1/object/public/" + bucket + "/" + key
}

func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/storage/v1/object/" + bucket + "/" + key)
	if err != nil {
		return fmt.Errorf("remove blob %s/%s: %w", bucket, key, err)
	}
	if resp.IsError() {
		return fmt.Errorf("remove blob %s/%s: %w", bucket, key, restError(resp))
	}
	return nil
}
