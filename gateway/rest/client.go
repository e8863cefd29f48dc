// Package rest implements the gateway contract against a hosted backend
// exposing a PostgREST-style relational API, a GoTrue-style auth API, an
// object storage API and a realtime websocket change feed.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teamhubapp/teamhub-go/config"
	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/pkg/util"
)

type Client struct {
	http     *resty.Client
	cfg      config.GatewayConfig
	realtime *realtimeConn
	metrics  *prometheus.HistogramVec

	mu       sync.Mutex
	cred     *gateway.Credential
	authSubs []*authSub
}

var _ gateway.Store = (*Client)(nil)
var _ gateway.Blob = (*Client)(nil)
var _ gateway.Auth = (*Client)(nil)

func NewClient(cfg *config.Config) (*Client, error) {
	metrics, err := util.GetHistogramVec("gateway_request_duration_seconds", "method", "status")
	if err != nil {
		return nil, fmt.Errorf("get histogram vec: %w", err)
	}

	httpClient := util.NewRestyClient().
		SetBaseURL(cfg.Gateway.BaseURL).
		SetHeader("apikey", cfg.Gateway.AnonKey)
	httpClient.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		metrics.WithLabelValues(r.Request.Method, strconv.Itoa(r.StatusCode())).
			Observe(r.Time().Seconds())
		return nil
	})

	c := &Client{
		http:    httpClient,
		cfg:     cfg.Gateway,
		metrics: metrics,
	}
	c.realtime = newRealtimeConn(c.cfg)
	return c, nil
}

// Connect opens the realtime change feed; call from an app start hook.
func (c *Client) Connect(ctx context.Context) error {
	return c.realtime.connect(ctx)
}

// Close tears down the realtime connection.
func (c *Client) Close() error {
	return c.realtime.close()
}

func condParam(cond gateway.Cond) (string, error) {
	switch cond.Op {
	case gateway.OpEq:
		return "eq." + fmt.Sprint(cond.Value), nil
	case gateway.OpIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return "", fmt.Errorf("in condition wants []any, got %T", cond.Value)
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprint(v)
		}
		return "in.(" + strings.Join(parts, ",") + ")", nil
	case gateway.OpMatch:
		return "ilike.*" + fmt.Sprint(cond.Value) + "*", nil
	}
	return "", fmt.Errorf("unsupported filter op %q", cond.Op)
}

func queryParams(filter gateway.Filter, opts gateway.SelectOptions) (url.Values, error) {
	params := url.Values{}
	for column, cond := range filter {
		value, err := condParam(cond)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		params.Set(column, value)
	}
	if opts.OrderColumn != "" {
		direction := "asc"
		if opts.Descending {
			direction = "desc"
		}
		params.Set("order", opts.OrderColumn+"."+direction)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	return params, nil
}

func (c *Client) rel(relation string) string {
	return "/rest/v1/" + relation
}

func restError(resp *resty.Response) error {
	return fmt.Errorf("gateway responded %s: %s", resp.Status(), resp.Body())
}

func (c *Client) Select(ctx context.Context, relation string, filter gateway.Filter, dest any, opts ...gateway.SelectOption) error {
	params, err := queryParams(filter, gateway.ApplySelectOptions(opts))
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(c.rel(relation))
	if err != nil {
		return fmt.Errorf("select %s: %w", relation, err)
	}
	if resp.IsError() {
		return fmt.Errorf("select %s: %w", relation, restError(resp))
	}
	return json.Unmarshal(resp.Body(), dest)
}

func (c *Client) SelectOne(ctx context.Context, relation string, filter gateway.Filter, dest any) error {
	var rows []json.RawMessage
	if err := c.Select(ctx, relation, filter, &rows, gateway.Limit(1)); err != nil {
		return err
	}
	if len(rows) == 0 {
		return models.ErrNotFound
	}
	return json.Unmarshal(rows[0], dest)
}

func (c *Client) Insert(ctx context.Context, relation string, row any, dest any) error {
	req := c.http.R().
		SetContext(ctx).
		SetBody(row)
	if dest != nil {
		req.SetHeader("Prefer", "return=representation")
	}

	resp, err := req.Post(c.rel(relation))
	if err != nil {
		return fmt.Errorf("insert %s: %w", relation, err)
	}
	if resp.IsError() {
		return fmt.Errorf("insert %s: %w", relation, restError(resp))
	}
	if dest == nil {
		return nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return fmt.Errorf("decode inserted %s: %w", relation, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert %s: empty representation", relation)
	}
	return json.Unmarshal(rows[0], dest)
}

func (c *Client) Update(ctx context.Context, relation string, filter gateway.Filter, patch map[string]any) error {
	params, err := queryParams(filter, gateway.SelectOptions{})
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetBody(patch).
		Patch(c.rel(relation))
	if err != nil {
		return fmt.Errorf("update %s: %w", relation, err)
	}
	if resp.IsError() {
		return fmt.Errorf("update %s: %w", relation, restError(resp))
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, relation string, filter gateway.Filter) error {
	params, err := queryParams(filter, gateway.SelectOptions{})
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Delete(c.rel(relation))
	if err != nil {
		return fmt.Errorf("delete %s: %w", relation, err)
	}
	if resp.IsError() {
		return fmt.Errorf("delete %s: %w", relation, restError(resp))
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, relation string, filter gateway.Filter, fn gateway.ChangeHandler) (gateway.Subscription, error) {
	return c.realtime.subscribe(ctx, relation, filter, fn)
}
