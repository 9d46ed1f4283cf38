package services

import (
	"context"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"

	"github.com/pion/turn/v2"
	"go.uber.org/zap"
)

// TurnCredentialService issues TURN REST long-term credentials signed with
// the secret shared with the TURN server.
type TurnCredentialService struct {
	sharedSecret string
	uris         []string
	ttl          time.Duration
	metrics      ports.RelayMetrics
	logger       *zap.SugaredLogger
}

func NewTurnCredentialService(
	sharedSecret string,
	uris []string,
	ttl time.Duration,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) *TurnCredentialService {
	return &TurnCredentialService{
		sharedSecret: sharedSecret,
		uris:         uris,
		ttl:          ttl,
		metrics:      metrics,
		logger:       logger,
	}
}

// Enabled reports whether credentials can be issued at all.
func (s *TurnCredentialService) Enabled() bool {
	return s.sharedSecret != "" && len(s.uris) > 0 && s.ttl > 0
}

// Issue never fails; an unconfigured or failing issuer answers success=false
// and clients fall back to reflection servers.
func (s *TurnCredentialService) Issue(ctx context.Context, userID domain.UserID) domain.RelayCredentials {
	ctx, span := tracing.StartSpan(ctx, "turn.issue_credentials")
	defer span.End()

	if !s.Enabled() {
		s.record(false)
		return domain.RelayCredentials{Success: false}
	}

	username, password, err := turn.GenerateLongTermCredentials(s.sharedSecret, s.ttl)
	if err != nil {
		s.logger.Errorw("failed to generate turn credentials", "user_id", userID, "error", err)
		tracing.RecordError(ctx, err)
		s.record(false)
		return domain.RelayCredentials{Success: false}
	}

	s.record(true)
	s.logger.Debugw("issued turn credentials",
		"user_id", userID,
		"ttl", s.ttl,
	)
	return domain.RelayCredentials{
		Success:    true,
		URLs:       append([]string(nil), s.uris...),
		Username:   username,
		Credential: password,
		TTL:        int64(s.ttl / time.Second),
	}
}

func (s *TurnCredentialService) record(success bool) {
	if s.metrics != nil {
		s.metrics.CredentialsIssued(success)
	}
}
