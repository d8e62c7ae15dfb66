package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxRetries      int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	BreakerName     string
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// StatusError is a non-2xx answer. 5xx answers are retried; the rest are not.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type Client struct {
	http *http.Client
	conf ClientConfig
	cb   *gobreaker.CircuitBreaker
	log  *zap.SugaredLogger
}

func NewClient(conf ClientConfig, log *zap.SugaredLogger) *Client {
	if conf.BreakerFailures == 0 {
		conf.BreakerFailures = 5
	}
	if conf.BreakerTimeout == 0 {
		conf.BreakerTimeout = 30 * time.Second
	}
	if conf.BreakerName == "" {
		conf.BreakerName = "history"
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    conf.MaxIdleConns,
		IdleConnTimeout: conf.IdleConnTimeout,
	}
	st := gobreaker.Settings{
		Name:        conf.BreakerName,
		MaxRequests: 1,
		Timeout:     conf.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Client{
		http: &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf: conf,
		cb:   gobreaker.NewCircuitBreaker(st),
		log:  log,
	}
}

// DoWithRetry runs the request built by newReq with exponential backoff, through
// the circuit breaker. newReq is called once per attempt so bodies can be replayed.
// The caller owns the returned body.
func (c *Client) DoWithRetry(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err := c.cb.Execute(func() (interface{}, error) {
			r, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			// treat 5xx as retryable and as a breaker failure
			if r.StatusCode >= 500 {
				body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
				r.Body.Close()
				return nil, &StatusError{Code: r.StatusCode, Body: string(body)}
			}
			return r, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			c.log.Debugw("http attempt failed", "url", req.URL.String(), "err", err)
			return err
		}
		resp = out.(*http.Response)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	var policy backoff.BackOff = backoff.WithContext(b, ctx)
	if c.conf.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.conf.MaxRetries))
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// DoJSON sends in as a JSON body (when non-nil) and decodes a 2xx answer into out.
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}
	resp, err := c.DoWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
