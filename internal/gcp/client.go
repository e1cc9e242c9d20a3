// Package gcp is a small REST client for the Pub/Sub, Cloud Logging and
// Resource Manager APIs used to pipe a project's logs to us.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

const UserAgent = "opsdash REST Client"

const (
	defaultPubSubURL          = "https://pubsub.googleapis.com/v1"
	defaultLoggingURL         = "https://logging.googleapis.com/v2"
	defaultResourceManagerURL = "https://cloudresourcemanager.googleapis.com/v1"
)

type Client struct {
	rc *resty.Client

	pubsubURL  string
	loggingURL string
	crmURL     string

	timeout time.Duration
	retries uint64
}

type ClientFunc func(c *Client)

// WithBaseURLs points the client at other API roots, e.g. a test server.
func WithBaseURLs(pubsub, logging, resourceManager string) ClientFunc {
	return func(c *Client) {
		c.pubsubURL = pubsub
		c.loggingURL = logging
		c.crmURL = resourceManager
	}
}

// WithTimeout bounds every API call, retries included.
func WithTimeout(d time.Duration) ClientFunc {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetries sets how many times a throttled or 5xx call is retried.
func WithRetries(n uint64) ClientFunc {
	return func(c *Client) {
		c.retries = n
	}
}

// NewClient wraps hc, which is expected to authenticate requests
// (for example an oauth2.NewClient).
func NewClient(hc *http.Client, cfs ...ClientFunc) *Client {
	r := resty.NewWithClient(hc)
	r.SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", UserAgent)

	c := &Client{
		rc:         r,
		pubsubURL:  defaultPubSubURL,
		loggingURL: defaultLoggingURL,
		crmURL:     defaultResourceManagerURL,
		timeout:    20 * time.Second,
		retries:    2,
	}
	for _, cf := range cfs {
		cf(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, u string, body, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := func() error {
		req := c.rc.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		res, err := req.Execute(method, u)
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.IsError() {
			e := newErrorFromResponse(res)
			if e.Temporary() {
				return e
			}
			return backoff.Permanent(e)
		}
		if result != nil && len(res.Body()) > 0 {
			if err := json.Unmarshal(res.Body(), result); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding %s %s response: %w", method, u, err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
}

func TopicPath(project, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", project, topic)
}

func SubscriptionPath(project, sub string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", project, sub)
}

// SinkDestination is the destination string a sink uses to publish to topic.
func SinkDestination(project, topic string) string {
	return "pubsub.googleapis.com/" + TopicPath(project, topic)
}

func (c *Client) pubsub(path string) string {
	return c.pubsubURL + "/" + path
}

func (c *Client) sinks(project string) string {
	return fmt.Sprintf("%s/projects/%s/sinks", c.loggingURL, url.PathEscape(project))
}

func (c *Client) CreateTopic(ctx context.Context, project, topic string) error {
	return c.do(ctx, resty.MethodPut, c.pubsub(TopicPath(project, topic)), struct{}{}, nil)
}

func (c *Client) DeleteTopic(ctx context.Context, project, topic string) error {
	return c.do(ctx, resty.MethodDelete, c.pubsub(TopicPath(project, topic)), nil, nil)
}

// GrantTopicPublisher adds member to the publisher role on topic,
// keeping any existing bindings.
func (c *Client) GrantTopicPublisher(ctx context.Context, project, topic, member string) error {
	resource := c.pubsub(TopicPath(project, topic))

	var policy Policy
	if err := c.do(ctx, resty.MethodGet, resource+":getIamPolicy", nil, &policy); err != nil {
		return fmt.Errorf("reading topic policy: %w", err)
	}
	policy.AddMember(RolePubSubPublisher, member)

	if err := c.do(ctx, resty.MethodPost, resource+":setIamPolicy", setPolicyRequest{Policy: policy}, nil); err != nil {
		return fmt.Errorf("writing topic policy: %w", err)
	}
	return nil
}

func (c *Client) CreateSubscription(ctx context.Context, project string, sub Subscription) error {
	body := subscriptionBody{
		Topic:              sub.Topic,
		PushConfig:         pushConfig{PushEndpoint: sub.PushEndpoint},
		AckDeadlineSeconds: 10,
	}
	return c.do(ctx, resty.MethodPut, c.pubsub(SubscriptionPath(project, sub.Name)), body, nil)
}

func (c *Client) DeleteSubscription(ctx context.Context, project, sub string) error {
	return c.do(ctx, resty.MethodDelete, c.pubsub(SubscriptionPath(project, sub)), nil, nil)
}

// CreateSink creates a sink with its own writer identity and returns the
// sink as the server stored it.
func (c *Client) CreateSink(ctx context.Context, project string, sink Sink) (*Sink, error) {
	var out Sink
	u := c.sinks(project) + "?uniqueWriterIdentity=true"
	if err := c.do(ctx, resty.MethodPost, u, sink, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSink(ctx context.Context, project, name string) error {
	return c.do(ctx, resty.MethodDelete, c.sinks(project)+"/"+url.PathEscape(name), nil, nil)
}

func (c *Client) ListSinks(ctx context.Context, project string) ([]Sink, error) {
	var all []Sink
	token := ""
	for {
		u := c.sinks(project)
		if token != "" {
			u += "?pageToken=" + url.QueryEscape(token)
		}
		var page listSinksResponse
		if err := c.do(ctx, resty.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Sinks...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}

// ListProjects returns the active projects the caller can see.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	token := ""
	for {
		u := c.crmURL + "/projects?filter=" + url.QueryEscape("lifecycleState:ACTIVE")
		if token != "" {
			u += "&pageToken=" + url.QueryEscape(token)
		}
		var page listProjectsResponse
		if err := c.do(ctx, resty.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Projects...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}
