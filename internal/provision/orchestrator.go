// Package provision stands up and tears down the topic, sink and push
// subscription that stream a cloud project's logs to us.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"opsdash/internal/credentials"
	"opsdash/internal/db"
	"opsdash/internal/gcp"
)

// Remote is the control plane of the cloud provider. *gcp.Client
// implements it.
type Remote interface {
	CreateTopic(ctx context.Context, project, topic string) error
	DeleteTopic(ctx context.Context, project, topic string) error
	CreateSink(ctx context.Context, project string, sink gcp.Sink) (*gcp.Sink, error)
	DeleteSink(ctx context.Context, project, name string) error
	ListSinks(ctx context.Context, project string) ([]gcp.Sink, error)
	GrantTopicPublisher(ctx context.Context, project, topic, member string) error
	CreateSubscription(ctx context.Context, project string, sub gcp.Subscription) error
	DeleteSubscription(ctx context.Context, project, sub string) error
	ListProjects(ctx context.Context) ([]gcp.Project, error)
}

// RemoteFactory builds a Remote acting with the credentials in ts.
type RemoteFactory func(ctx context.Context, ts oauth2.TokenSource) Remote

type Credentials interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
	Renew(ctx context.Context, userID, provider string) error
	Invalidate(ctx context.Context, userID, provider string) error
}

type Store interface {
	FindPipeline(ctx context.Context, userID, projectID string) (*db.ProvisionedPipeline, error)
	CreatePipeline(ctx context.Context, p *db.ProvisionedPipeline) error
	DeletePipeline(ctx context.Context, id uint) error
	PipelineSinks(ctx context.Context, projectID string) ([]string, error)
}

type Config struct {
	// Prefix starts every resource name we create; the sweep only
	// touches sinks carrying it.
	Prefix string
	// PushURL is the absolute URL of the provider push endpoint.
	PushURL string
	// PushToken, when set, is added to the push URL and checked on
	// delivery.
	PushToken string
}

type Orchestrator struct {
	store     Store
	creds     Credentials
	newRemote RemoteFactory
	cfg       Config
	log       *zap.SugaredLogger
	newID     func() string
}

func New(store Store, creds Credentials, newRemote RemoteFactory, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		creds:     creds,
		newRemote: newRemote,
		cfg:       cfg,
		log:       log,
		newID:     uuid.NewString,
	}
}

// TeardownResult describes what Deprovision removed.
type TeardownResult struct {
	// Removed is false when no pipeline was recorded for the project.
	Removed bool
	// Swept is the number of leftover sinks deleted by name.
	Swept int
}

// session carries one user's credentials through a single operation.
type session struct {
	userID  string
	project string
	remote  Remote
}

func (o *Orchestrator) session(ctx context.Context, userID, projectID string) (*session, error) {
	ts, err := o.creds.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &session{userID: userID, project: projectID, remote: o.newRemote(ctx, ts)}, nil
}

// call runs fn against the provider. When the provider rejects our
// token the grant is renewed once and fn retried; a second rejection
// deletes the grant.
func (o *Orchestrator) call(ctx context.Context, s *session, fn func(r Remote) error) error {
	err := fn(s.remote)
	if !tokenRejected(err) {
		return refreshUnavailable(err)
	}

	o.log.Infow("provider rejected token, renewing", "user_id", s.userID, "error", err)
	if err := o.creds.Renew(ctx, s.userID, db.ProviderGCP); err != nil {
		return err
	}
	ts, err := o.creds.TokenSource(ctx, s.userID)
	if err != nil {
		return err
	}
	s.remote = o.newRemote(ctx, ts)

	err = fn(s.remote)
	if tokenRejected(err) {
		return o.creds.Invalidate(ctx, s.userID, db.ProviderGCP)
	}
	return refreshUnavailable(err)
}

// tokenRejected is true when the provider or the token endpoint refused
// the credential. A token endpoint that merely failed to answer does not
// count.
func tokenRejected(err error) bool {
	return err != nil && (gcp.IsUnauthorized(err) || credentials.IsGrantRejected(err))
}

// refreshUnavailable marks a token endpoint outage hit mid-call as
// retryable.
func refreshUnavailable(err error) error {
	if credentials.IsRefreshFailure(err) && !credentials.IsGrantRejected(err) {
		return fmt.Errorf("%w: %v", credentials.ErrUnavailable, err)
	}
	return err
}

func (o *Orchestrator) names() (topic, sink, sub string) {
	id := o.newID()
	return fmt.Sprintf("%s-logs-%s", o.cfg.Prefix, id),
		fmt.Sprintf("%s-sink-%s", o.cfg.Prefix, id),
		fmt.Sprintf("%s-sub-%s", o.cfg.Prefix, id)
}

func (o *Orchestrator) sinkPrefix() string {
	return o.cfg.Prefix + "-sink-"
}

// PushEndpoint is where the subscription for userID delivers.
func (o *Orchestrator) PushEndpoint(userID string) string {
	q := url.Values{}
	q.Set("user_id", userID)
	if o.cfg.PushToken != "" {
		q.Set("token", o.cfg.PushToken)
	}
	return o.cfg.PushURL + "?" + q.Encode()
}

// SinkFilter selects the audit logs of projectID.
func SinkFilter(projectID string) string {
	return fmt.Sprintf(`logName:"projects/%s/logs/cloudaudit.googleapis.com"`, projectID)
}

// Provision sets up a fresh pipeline for (userID, projectID), first
// removing any pipeline recorded for the pair. On failure every remote
// resource created by this call is deleted again.
func (o *Orchestrator) Provision(ctx context.Context, userID, projectID string) (*db.ProvisionedPipeline, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrInvalidProject
	}

	s, err := o.session(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	log := o.log.With("user_id", userID, "project_id", projectID)

	existing, err := o.store.FindPipeline(ctx, userID, projectID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, &ProvisioningError{Step: "lookup", Err: err}
	default:
		log.Infow("replacing existing pipeline", "topic", existing.TopicName, "sink", existing.SinkName)
		o.deleteResources(ctx, s, existing.SubscriptionName, existing.TopicName, existing.SinkName)
		if err := o.store.DeletePipeline(ctx, existing.ID); err != nil {
			return nil, &ProvisioningError{Step: "cleanup", Err: err}
		}
	}

	topic, sinkName, subName := o.names()
	var undo compensations
	fail := func(step string, cause error) error {
		if rerr := undo.run(context.WithoutCancel(ctx), log); rerr != nil {
			log.Errorw("rollback incomplete, leftovers will be swept on teardown", "error", rerr)
		}
		log.Errorw("provisioning failed", "step", step, "error", cause)
		return &ProvisioningError{Step: step, Err: cause}
	}

	if err := o.call(ctx, s, func(r Remote) error { return r.CreateTopic(ctx, projectID, topic) }); err != nil {
		return nil, fail("create topic", err)
	}
	undo.add("delete topic", func(ctx context.Context) error { return s.remote.DeleteTopic(ctx, projectID, topic) })

	var sink *gcp.Sink
	err = o.call(ctx, s, func(r Remote) error {
		var err error
		sink, err = r.CreateSink(ctx, projectID, gcp.Sink{
			Name:        sinkName,
			Destination: gcp.SinkDestination(projectID, topic),
			Filter:      SinkFilter(projectID),
		})
		return err
	})
	if err != nil {
		return nil, fail("create sink", err)
	}
	undo.add("delete sink", func(ctx context.Context) error { return s.remote.DeleteSink(ctx, projectID, sinkName) })

	if sink.WriterIdentity == "" {
		return nil, fail("grant publisher", ErrMissingWriterIdentity)
	}
	if err := o.call(ctx, s, func(r Remote) error {
		return r.GrantTopicPublisher(ctx, projectID, topic, sink.WriterIdentity)
	}); err != nil {
		return nil, fail("grant publisher", err)
	}

	if err := o.call(ctx, s, func(r Remote) error {
		return r.CreateSubscription(ctx, projectID, gcp.Subscription{
			Name:         subName,
			Topic:        gcp.TopicPath(projectID, topic),
			PushEndpoint: o.PushEndpoint(userID),
		})
	}); err != nil {
		return nil, fail("create subscription", err)
	}
	undo.add("delete subscription", func(ctx context.Context) error { return s.remote.DeleteSubscription(ctx, projectID, subName) })

	p := &db.ProvisionedPipeline{
		UserID:           userID,
		ProjectID:        projectID,
		TopicName:        topic,
		SinkName:         sinkName,
		SubscriptionName: subName,
	}
	if err := o.store.CreatePipeline(ctx, p); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			if rerr := undo.run(context.WithoutCancel(ctx), log); rerr != nil {
				log.Errorw("rollback incomplete, leftovers will be swept on teardown", "error", rerr)
			}
			log.Warnw("lost provisioning race")
			return nil, ErrAlreadyProvisioned
		}
		return nil, fail("persist", fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	log.Infow("pipeline provisioned", "topic", topic, "sink", sinkName, "subscription", subName)
	return p, nil
}

// deleteResources removes a pipeline's remote side, best effort.
func (o *Orchestrator) deleteResources(ctx context.Context, s *session, sub, topic, sink string) {
	steps := []struct {
		kind string
		name string
		fn   func(r Remote) error
	}{
		{"subscription", sub, func(r Remote) error { return r.DeleteSubscription(ctx, s.project, sub) }},
		{"topic", topic, func(r Remote) error { return r.DeleteTopic(ctx, s.project, topic) }},
		{"sink", sink, func(r Remote) error { return r.DeleteSink(ctx, s.project, sink) }},
	}
	for _, st := range steps {
		if st.name == "" {
			continue
		}
		err := o.call(ctx, s, st.fn)
		switch {
		case err == nil:
			o.log.Infow("deleted remote resource", "kind", st.kind, "name", st.name, "project_id", s.project)
		case gcp.IsNotFound(err):
			o.log.Debugw("remote resource already gone", "kind", st.kind, "name", st.name, "project_id", s.project)
		default:
			o.log.Warnw("failed to delete remote resource", "kind", st.kind, "name", st.name, "project_id", s.project, "error", err)
		}
	}
}

// Deprovision removes the pipeline recorded for (userID, projectID) and
// then sweeps leftover sinks carrying our prefix. Remote failures are
// logged, not returned; calling it again is harmless.
func (o *Orchestrator) Deprovision(ctx context.Context, userID, projectID string) (*TeardownResult, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrInvalidProject
	}

	s, err := o.session(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	res := &TeardownResult{}
	existing, err := o.store.FindPipeline(ctx, userID, projectID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("looking up pipeline: %w", err)
	default:
		o.deleteResources(ctx, s, existing.SubscriptionName, existing.TopicName, existing.SinkName)
		if err := o.store.DeletePipeline(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		res.Removed = true
	}

	res.Swept = o.sweep(ctx, s)
	return res, nil
}

// sweep deletes sinks named like ours that no recorded pipeline owns.
func (o *Orchestrator) sweep(ctx context.Context, s *session) int {
	log := o.log.With("user_id", s.userID, "project_id", s.project)

	var sinks []gcp.Sink
	err := o.call(ctx, s, func(r Remote) error {
		var err error
		sinks, err = r.ListSinks(ctx, s.project)
		return err
	})
	if err != nil {
		log.Warnw("orphan sweep skipped, listing sinks failed", "error", err)
		return 0
	}

	live := map[string]bool{}
	owned, err := o.store.PipelineSinks(ctx, s.project)
	if err != nil {
		log.Warnw("orphan sweep skipped, listing recorded pipelines failed", "error", err)
		return 0
	}
	for _, name := range owned {
		live[name] = true
	}

	swept := 0
	for _, sink := range sinks {
		if !strings.HasPrefix(sink.Name, o.sinkPrefix()) || live[sink.Name] {
			continue
		}
		name := sink.Name
		err := o.call(ctx, s, func(r Remote) error { return r.DeleteSink(ctx, s.project, name) })
		if err != nil && !gcp.IsNotFound(err) {
			log.Warnw("failed to delete orphaned sink", "sink", name, "error", err)
			continue
		}
		log.Infow("deleted orphaned sink", "sink", name)
		swept++
	}
	return swept
}

// ListProjects returns the cloud projects the user's grant can see.
func (o *Orchestrator) ListProjects(ctx context.Context, userID string) ([]gcp.Project, error) {
	s, err := o.session(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	var projects []gcp.Project
	err = o.call(ctx, s, func(r Remote) error {
		var err error
		projects, err = r.ListProjects(ctx)
		return err
	})
	return projects, err
}
