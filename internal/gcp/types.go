package gcp

const RolePubSubPublisher = "roles/pubsub.publisher"

type Sink struct {
	Name           string `json:"name"`
	Destination    string `json:"destination"`
	Filter         string `json:"filter,omitempty"`
	WriterIdentity string `json:"writerIdentity,omitempty"`
}

type listSinksResponse struct {
	Sinks         []Sink `json:"sinks"`
	NextPageToken string `json:"nextPageToken"`
}

// Subscription is a push subscription on Topic (a full topic path).
type Subscription struct {
	Name         string
	Topic        string
	PushEndpoint string
}

type pushConfig struct {
	PushEndpoint string `json:"pushEndpoint"`
}

type subscriptionBody struct {
	Topic              string     `json:"topic"`
	PushConfig         pushConfig `json:"pushConfig"`
	AckDeadlineSeconds int        `json:"ackDeadlineSeconds"`
}

type Binding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

type Policy struct {
	Version  int       `json:"version,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
	Etag     string    `json:"etag,omitempty"`
}

// AddMember adds member to role, creating the binding if needed.
func (p *Policy) AddMember(role, member string) {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role {
			continue
		}
		for _, m := range p.Bindings[i].Members {
			if m == member {
				return
			}
		}
		p.Bindings[i].Members = append(p.Bindings[i].Members, member)
		return
	}
	p.Bindings = append(p.Bindings, Binding{Role: role, Members: []string{member}})
}

type setPolicyRequest struct {
	Policy Policy `json:"policy"`
}

type Project struct {
	ProjectID      string `json:"projectId"`
	Name           string `json:"name"`
	ProjectNumber  string `json:"projectNumber"`
	LifecycleState string `json:"lifecycleState"`
}

type listProjectsResponse struct {
	Projects      []Project `json:"projects"`
	NextPageToken string    `json:"nextPageToken"`
}
