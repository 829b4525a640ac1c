package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db"
)

// FuzzyPolicy decides what a display-name match does.
type FuzzyPolicy string

const (
	// FuzzyAttach attaches the new handle to the matched identity.
	FuzzyAttach FuzzyPolicy = "attach"
	// FuzzySuggest creates a new identity and audits the candidate for review.
	FuzzySuggest FuzzyPolicy = "suggest"
	FuzzyOff     FuzzyPolicy = "off"
)

// ParseFuzzyPolicy falls back to FuzzyAttach for unknown values.
func ParseFuzzyPolicy(raw string) FuzzyPolicy {
	switch FuzzyPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case FuzzySuggest:
		return FuzzySuggest
	case FuzzyOff:
		return FuzzyOff
	default:
		return FuzzyAttach
	}
}

// MinFuzzyNameLength is the shortest display name considered for fuzzy matching.
const MinFuzzyNameLength = 6

const ActionFuzzyCandidate = "identity.fuzzy_candidate"

// Method names the rule that produced a resolution.
type Method string

const (
	MethodHandle  Method = "handle"
	MethodEmail   Method = "email"
	MethodPhone   Method = "phone"
	MethodFuzzy   Method = "fuzzy_name"
	MethodCreated Method = "created"
)

type Resolution struct {
	Method  Method
	Created bool
	// FuzzyCandidateID is set when a name match was found but not attached.
	FuzzyCandidateID string
}

type ResolveInput struct {
	TenantID      string
	Channel       channel.ChannelType
	ExternalID    string
	DisplayName   string
	Email         string
	EmailVerified bool
	// Phone defaults to the external id on phone-addressed channels.
	Phone string
}

type resolverStore interface {
	FindByHandle(ctx context.Context, tenantID string, ct channel.ChannelType, externalID string) (string, error)
	FindByEmail(ctx context.Context, tenantID, email string) (string, error)
	FindByPhone(ctx context.Context, tenantID, phone string) (string, error)
	ListRecentByName(ctx context.Context, tenantID string, limit int) ([]Candidate, error)
	Create(ctx context.Context, in NewIdentity, first Handle) (Identity, error)
	AttachHandle(ctx context.Context, tenantID, identityID string, h Handle) error
}

type Resolver struct {
	logger *slog.Logger
	store  resolverStore
	audit  audit.Recorder
	fuzzy  FuzzyPolicy
}

func NewResolver(log *slog.Logger, store *Store, recorder audit.Recorder, fuzzy FuzzyPolicy) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if fuzzy == "" {
		fuzzy = FuzzyAttach
	}
	return &Resolver{
		logger: log.With(slog.String("component", "identity_resolver")),
		store:  store,
		audit:  recorder,
		fuzzy:  fuzzy,
	}
}

// Resolve maps a channel handle to an identity id. The first matching rule
// wins: known handle, verified email, phone, fuzzy display name, and finally
// a new identity. Attached handles do not merge earlier history.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (string, Resolution, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if strings.TrimSpace(in.TenantID) == "" || in.ExternalID == "" {
		return "", Resolution{}, errors.New("tenant id and external id are required")
	}
	if in.Phone == "" && in.Channel.PhoneAddressed() {
		in.Phone = channel.NormalizePhone(in.ExternalID)
	}
	handle := Handle{Channel: in.Channel, ExternalID: in.ExternalID}

	id, res, err := r.match(ctx, in)
	if err != nil {
		return "", Resolution{}, err
	}
	if id != "" {
		if res.Method != MethodHandle {
			if err := r.store.AttachHandle(ctx, in.TenantID, id, handle); err != nil {
				return "", Resolution{}, err
			}
			r.logger.Info("handle attached",
				slog.String("identity_id", id),
				slog.String("channel", in.Channel.String()),
				slog.String("method", string(res.Method)))
		}
		return id, res, nil
	}

	created, err := r.store.Create(ctx, NewIdentity{
		TenantID:      in.TenantID,
		DisplayName:   in.DisplayName,
		Phone:         in.Phone,
		Email:         in.Email,
		EmailVerified: in.EmailVerified,
	}, handle)
	if err != nil {
		if !db.IsUniqueViolation(err) {
			return "", Resolution{}, fmt.Errorf("create identity: %w", err)
		}
		// Lost a race against a concurrent create for the same handle, phone or email.
		id, res, matchErr := r.matchExact(ctx, in)
		if matchErr != nil || id == "" {
			return "", Resolution{}, fmt.Errorf("create identity: %w", err)
		}
		if res.Method != MethodHandle {
			if err := r.store.AttachHandle(ctx, in.TenantID, id, handle); err != nil {
				return "", Resolution{}, err
			}
		}
		return id, res, nil
	}
	out := Resolution{Method: MethodCreated, Created: true, FuzzyCandidateID: res.FuzzyCandidateID}
	if out.FuzzyCandidateID != "" {
		r.recordCandidate(ctx, created.ID, out.FuzzyCandidateID, in)
	}
	return created.ID, out, nil
}

func (r *Resolver) match(ctx context.Context, in ResolveInput) (string, Resolution, error) {
	id, res, err := r.matchExact(ctx, in)
	if err != nil || id != "" {
		return id, res, err
	}
	if r.fuzzy == FuzzyOff {
		return "", Resolution{}, nil
	}
	candidate, err := r.fuzzyCandidate(ctx, in.TenantID, in.DisplayName)
	if err != nil || candidate == "" {
		return "", Resolution{}, err
	}
	if r.fuzzy == FuzzySuggest {
		return "", Resolution{FuzzyCandidateID: candidate}, nil
	}
	return candidate, Resolution{Method: MethodFuzzy}, nil
}

func (r *Resolver) matchExact(ctx context.Context, in ResolveInput) (string, Resolution, error) {
	id, err := r.store.FindByHandle(ctx, in.TenantID, in.Channel, in.ExternalID)
	if found, err := hit(id, err); err != nil || found {
		return id, Resolution{Method: MethodHandle}, err
	}
	if in.EmailVerified && NormalizeEmail(in.Email) != "" {
		id, err = r.store.FindByEmail(ctx, in.TenantID, in.Email)
		if found, err := hit(id, err); err != nil || found {
			return id, Resolution{Method: MethodEmail}, err
		}
	}
	if in.Phone != "" {
		id, err = r.store.FindByPhone(ctx, in.TenantID, in.Phone)
		if found, err := hit(id, err); err != nil || found {
			return id, Resolution{Method: MethodPhone}, err
		}
	}
	return "", Resolution{}, nil
}

func hit(id string, err error) (bool, error) {
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id != "", nil
}

func (r *Resolver) fuzzyCandidate(ctx context.Context, tenantID, name string) (string, error) {
	needle := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if utf8.RuneCountInString(needle) < MinFuzzyNameLength {
		return "", nil
	}
	candidates, err := r.store.ListRecentByName(ctx, tenantID, 0)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if NamesMatch(needle, c.DisplayName) {
			return c.ID, nil
		}
	}
	return "", nil
}

// NamesMatch reports a case-insensitive substring match in either direction.
// Both names must meet MinFuzzyNameLength.
func NamesMatch(a, b string) bool {
	a = strings.ToLower(strings.Join(strings.Fields(a), " "))
	b = strings.ToLower(strings.Join(strings.Fields(b), " "))
	if utf8.RuneCountInString(a) < MinFuzzyNameLength || utf8.RuneCountInString(b) < MinFuzzyNameLength {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func (r *Resolver) recordCandidate(ctx context.Context, identityID, candidateID string, in ResolveInput) {
	r.logger.Info("fuzzy candidate not attached",
		slog.String("identity_id", identityID),
		slog.String("candidate_id", candidateID))
	if r.audit == nil {
		return
	}
	err := r.audit.Append(ctx, audit.Entry{
		Action:         ActionFuzzyCandidate,
		ActorID:        identityID,
		Resource:       "identity:" + candidateID,
		Detail:         fmt.Sprintf("channel=%s name match", in.Channel),
		ClearanceLevel: audit.ClearanceRestricted,
	})
	if err != nil {
		r.logger.Warn("audit fuzzy candidate failed", slog.Any("error", err))
	}
}
