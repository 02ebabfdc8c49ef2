package audit

import "github.com/google/uuid"

// Context describes who did something and from where. It travels with every
// recorded event.
type Context struct {
	OrganizationID string
	ActorID        string
	ActorType      ActorType
	SessionID      string
	IPAddress      string
	UserAgent      string
	CorrelationID  string
	CausationID    string
}

// ContextOption customises a Context built by NewContext.
type ContextOption func(*Context)

// WithSession sets the session ID.
func WithSession(id string) ContextOption {
	return func(c *Context) { c.SessionID = id }
}

// WithRequest sets the client IP address and user agent.
func WithRequest(ip, userAgent string) ContextOption {
	return func(c *Context) {
		c.IPAddress = ip
		c.UserAgent = userAgent
	}
}

// WithActorType overrides the default user actor type.
func WithActorType(t ActorType) ContextOption {
	return func(c *Context) { c.ActorType = t }
}

// WithCorrelation sets the correlation ID instead of generating one.
func WithCorrelation(id string) ContextOption {
	return func(c *Context) { c.CorrelationID = id }
}

// WithCausation sets the ID of the event that caused this one.
func WithCausation(id string) ContextOption {
	return func(c *Context) { c.CausationID = id }
}

// NewContext builds a Context for orgID and actorID. The actor type defaults
// to user and a correlation ID is generated unless one is supplied.
func NewContext(orgID, actorID string, opts ...ContextOption) Context {
	c := Context{
		OrganizationID: orgID,
		ActorID:        actorID,
		ActorType:      ActorUser,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	return c
}
