package invite

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vibehub/room-server/internal/registry"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/fx"
)

const (
	maxTrackedTokens = 10_000
	// LRU housekeeping only; the authoritative expiry is the per-token
	// ExpiresAt checked at redemption.
	tokenRetention = 24 * time.Hour
)

// Service issues and redeems capability tokens that admit members to
// rooms without public listing.
type Service struct {
	mu       sync.Mutex
	tokens   *expirable.LRU[string, *protocol.InviteToken]
	registry *registry.Registry
	logger   *slog.Logger
}

type NewService_Params struct {
	fx.In

	Registry *registry.Registry
	Logger   *slog.Logger
}

func NewService(params NewService_Params) *Service {
	return &Service{
		tokens:   expirable.NewLRU[string, *protocol.InviteToken](maxTrackedTokens, nil, tokenRetention),
		registry: params.Registry,
		logger:   params.Logger,
	}
}

func (s *Service) Issue(roomID protocol.RoomID, issuedBy protocol.UserID, ttl time.Duration, maxUses int) (*protocol.InviteToken, error) {
	if _, err := s.registry.Get(roomID); err != nil {
		return nil, err
	}

	token := &protocol.InviteToken{
		Token:         uuid.NewString(),
		RoomID:        roomID,
		IssuedBy:      issuedBy,
		ExpiresAt:     time.Now().Add(ttl),
		RemainingUses: maxUses,
	}

	s.mu.Lock()
	s.tokens.Add(token.Token, token)
	s.mu.Unlock()

	s.logger.Info("invite issued",
		slog.String("roomId", roomID),
		slog.String("issuedBy", issuedBy),
		slog.Int("maxUses", maxUses))

	copied := *token
	return &copied, nil
}

// Redeem admits the user and only then consumes a use: a token is never
// decremented when the join itself fails, e.g. against a room that
// filled up concurrently.
func (s *Service) Redeem(tokenID string, identity protocol.Identity) (*protocol.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exist := s.tokens.Get(tokenID)
	if !exist {
		return nil, protocol.ErrInvalidToken
	}
	if time.Now().After(token.ExpiresAt) {
		s.tokens.Remove(tokenID)
		return nil, protocol.ErrInvalidToken
	}
	// An existing member re-redeeming is a no-op join; handing back the
	// membership without touching the token keeps redemption idempotent.
	if membership, exist := s.registry.Member(token.RoomID, identity.UserID); exist {
		return membership, nil
	}

	if token.RemainingUses <= 0 {
		return nil, protocol.ErrTokenExhausted
	}

	if err := s.registry.Grant(token.RoomID, identity.UserID); err != nil {
		return nil, err
	}
	membership, err := s.registry.Join(token.RoomID, identity)
	if err != nil {
		// The admission never happened, so the grant must not outlive the
		// failed redemption.
		s.registry.Revoke(token.RoomID, identity.UserID)
		return nil, err
	}

	// Exhausted tokens stay tracked so later redemptions report
	// exhaustion rather than an unknown token; the LRU ages them out.
	token.RemainingUses--

	s.logger.Info("invite redeemed",
		slog.String("roomId", token.RoomID),
		slog.String("userId", identity.UserID),
		slog.Int("remainingUses", token.RemainingUses))

	return membership, nil
}
