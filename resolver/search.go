package resolver

import (
	"strings"

	"github.com/treemana/evwire/util"
)

// searchState is the search list shared by the resolver and by every
// request currently walking it. The resolver holds one reference; each
// request spawned from one resolve call holds another.
type searchState struct {
	refs    int
	ndots   int
	domains []string
}

func (s *searchState) acquire() *searchState {
	s.refs++
	return s
}

func (s *searchState) release() {
	s.refs--
	if s.refs == 0 {
		s.domains = nil
	}
}

// ownSearch returns a search state only the resolver references, cloning
// the current one when requests still share it.
func (r *Resolver) ownSearch() *searchState {
	switch {
	case r.search == nil:
		r.search = &searchState{refs: 1, ndots: r.opts.NDots}
	case r.search.refs > 1:
		clone := &searchState{
			refs:    1,
			ndots:   r.search.ndots,
			domains: append([]string(nil), r.search.domains...),
		}
		r.search.release()
		r.search = clone
	}
	return r.search
}

// AddSearch appends a domain to the search list.
func (r *Resolver) AddSearch(domain string) {
	domain = strings.Trim(strings.TrimSpace(domain), ".")
	if domain == "" {
		return
	}
	s := r.ownSearch()
	s.domains = append(s.domains, domain)
}

// ClearSearch empties the search list. Requests already searching keep
// the list they started with.
func (r *Resolver) ClearSearch() {
	if r.search != nil {
		r.search.release()
	}
	r.search = &searchState{refs: 1, ndots: r.opts.NDots}
}

// SearchDomains returns a copy of the current search list.
func (r *Resolver) SearchDomains() []string {
	if r.search == nil {
		return nil
	}
	return append([]string(nil), r.search.domains...)
}

// newSearchRequest creates the first request of a resolve call. Names with
// fewer than ndots dots try the search domains first and the bare name
// last; other names go bare first.
func (r *Resolver) newSearchRequest(name string, qtype uint16, flags Flags, cb Callback) (*request, error) {
	if flags&NoSearch != 0 || r.search == nil || len(r.search.domains) == 0 {
		return r.newRequest(name, qtype, cb)
	}

	s := r.search
	if util.CountDots(name) >= s.ndots {
		req, err := r.newRequest(name, qtype, cb)
		if err != nil {
			return nil, err
		}
		req.search = s.acquire()
		req.origName = name
		return req, nil
	}

	for i, domain := range s.domains {
		req, err := r.newRequest(name+"."+domain, qtype, cb)
		if err != nil {
			continue
		}
		req.search = s.acquire()
		req.searchIndex = i
		req.origName = name
		return req, nil
	}
	return r.newRequest(name, qtype, cb)
}

// searchNext replaces a definitively failed request with the next step of
// its search. It reports false when the search is exhausted and the
// failure is final.
func (r *Resolver) searchNext(req *request) bool {
	s := req.search
	if s == nil {
		return false
	}

	for idx := req.searchIndex + 1; idx < len(s.domains); idx++ {
		next, err := r.newRequest(req.origName+"."+s.domains[idx], req.qtype, req.cb)
		if err != nil {
			continue
		}
		next.search = s.acquire()
		next.searchIndex = idx
		next.origName = req.origName
		r.log.Debugf("search name=%s, next=%s", req.origName, next.name)
		r.finish(req, Result{}, false)
		r.submit(next)
		return true
	}

	// short names get one final bare attempt after the suffixes
	if req.searchIndex >= 0 && util.CountDots(req.origName) < s.ndots {
		next, err := r.newRequest(req.origName, req.qtype, req.cb)
		if err != nil {
			return false
		}
		r.log.Debugf("search name=%s, trying bare name", req.origName)
		r.finish(req, Result{}, false)
		r.submit(next)
		return true
	}
	return false
}
