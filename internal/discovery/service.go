// Package discovery finds existing tenants a signing-up actor may belong to.
package discovery

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/config"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidName = apperror.Validation("invalid_name", "name is required")

// Candidate is a tenant that may already represent the caller's organization.
type Candidate struct {
	TenantID    snowflake.ID `json:"tenant_id"`
	Name        string       `json:"name"`
	Slug        string       `json:"slug"`
	Similarity  float64      `json:"similarity"`
	ExactMatch  bool         `json:"exact_match"`
	DomainMatch bool         `json:"domain_match"`
	CanAutoJoin bool         `json:"can_auto_join"`
	MemberCount int64        `json:"member_count"`
}

type Service interface {
	FindSimilarTenants(ctx context.Context, name, email string) ([]Candidate, error)
	CheckDomainAccess(ctx context.Context, email string) ([]Candidate, error)
}

type Params struct {
	fx.In

	Repo   tenantdomain.Repository
	Policy config.PolicySource
	Log    *zap.Logger
}

type service struct {
	repo   tenantdomain.Repository
	policy config.PolicySource
	log    *zap.Logger
}

func NewService(p Params) Service {
	return &service{
		repo:   p.Repo,
		policy: p.Policy,
		log:    p.Log.Named("discovery.service"),
	}
}

// FindSimilarTenants only considers tenants that are discoverable and accept
// join requests.
func (s *service) FindSimilarTenants(ctx context.Context, name, email string) ([]Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	emailDomain := ""
	if email = actor.NormalizeEmail(email); email != "" {
		if err := actor.ValidateEmail(email); err != nil {
			return nil, err
		}
		emailDomain = actor.EmailDomain(email)
	}

	tenants, err := s.repo.ListDiscoverableTenants(ctx)
	if err != nil {
		return nil, db.Classify(err, nil)
	}

	policy := s.policy.Get()
	out := make([]Candidate, 0)
	for _, t := range tenants {
		c := Candidate{
			TenantID:    t.ID,
			Name:        t.Name,
			Slug:        t.Slug,
			Similarity:  Similarity(name, t.Name),
			ExactMatch:  SameName(name, t.Name),
			DomainMatch: domainMatches(emailDomain, t),
			MemberCount: t.MemberCount,
		}
		c.CanAutoJoin = c.DomainMatch
		if c.Similarity > policy.SimilarityThreshold || c.ExactMatch || c.DomainMatch {
			out = append(out, c)
		}
	}

	Rank(out)
	if limit := policy.MaxSimilarCandidates; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CheckDomainAccess lists tenants an email may join through its domain.
// Public mailbox domains never match.
func (s *service) CheckDomainAccess(ctx context.Context, email string) ([]Candidate, error) {
	email = actor.NormalizeEmail(email)
	if err := actor.ValidateEmail(email); err != nil {
		return nil, err
	}
	emailDomain := actor.EmailDomain(email)
	if IsPublicEmailDomain(emailDomain) {
		return []Candidate{}, nil
	}

	tenants, err := s.repo.ListTenantsByDomain(ctx, emailDomain)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	out := make([]Candidate, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, Candidate{
			TenantID:    t.ID,
			Name:        t.Name,
			Slug:        t.Slug,
			DomainMatch: true,
			CanAutoJoin: t.AllowDomainSignup,
			MemberCount: t.MemberCount,
		})
	}
	return out, nil
}

// Rank orders by similarity, then domain match, then member count. Ties fall
// back to name so results are stable.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.DomainMatch != b.DomainMatch {
			return a.DomainMatch
		}
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

func domainMatches(emailDomain string, t tenantdomain.DiscoverableTenant) bool {
	if emailDomain == "" || !t.AllowDomainSignup || IsPublicEmailDomain(emailDomain) {
		return false
	}
	return strings.EqualFold(emailDomain, strings.TrimSpace(t.EmailDomain))
}

var publicEmailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"live.com":       {},
	"yahoo.com":      {},
	"icloud.com":     {},
	"me.com":         {},
	"aol.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
	"gmx.com":        {},
	"zoho.com":       {},
}

func IsPublicEmailDomain(domain string) bool {
	_, ok := publicEmailDomains[strings.ToLower(strings.TrimSpace(domain))]
	return ok
}
