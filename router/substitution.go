package router

import (
	"strings"
)

// Substitution rewrites the first path segment equal to a token, such as a
// "latest" branch name, and dispatches the rewritten request from the top of
// the route table. Handlers further down see the client's URL in
// Request.UnsubstitutedURL.
type Substitution struct {
	engine      *Engine
	token       string
	replacement string
}

// NewSubstitution creates a substitution handler that re-enters engine.
func NewSubstitution(engine *Engine, token, replacement string) *Substitution {
	return &Substitution{engine: engine, token: token, replacement: replacement}
}

// Handle implements Handler. It defers when the token is not a path segment.
func (s *Substitution) Handle(req *Request, _ Next) (*Response, error) {
	segments := strings.Split(req.URL.Path, "/")
	replaced := false
	for i, seg := range segments {
		if seg == s.token {
			segments[i] = s.replacement
			replaced = true
			break
		}
	}
	if !replaced {
		return nil, nil
	}

	u := *req.URL
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""

	r := req.Request.Clone(req.Context())
	r.URL = &u

	return s.engine.Dispatch(&Request{
		Request:          r,
		UnsubstitutedURL: req.OriginalURL(),
	})
}

var _ Handler = (*Substitution)(nil)
