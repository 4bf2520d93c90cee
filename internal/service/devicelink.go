package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/nexfleet/linkd/internal/audit"
	"github.com/nexfleet/linkd/internal/database"
	apperrors "github.com/nexfleet/linkd/internal/errors"
	"github.com/nexfleet/linkd/internal/model"
	"github.com/nexfleet/linkd/internal/notify"
	"github.com/nexfleet/linkd/internal/repository"
	"github.com/nexfleet/linkd/internal/util"
	"github.com/nexfleet/linkd/internal/wire"
)

const (
	outcomeAuthorized = "authorized"
	outcomeDenied     = "denied"
)

// TxRunner runs a function within a database transaction. Satisfied by
// *database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// DeviceLinkConfig carries the policy knobs for the pairing protocol.
type DeviceLinkConfig struct {
	TokenHashSecret  string
	CodeTTL          time.Duration
	PollBaseInterval time.Duration
	PollMaxInterval  time.Duration
	MaxGenRetries    int
	SessionTTL       time.Duration
}

type CreateResult struct {
	Code      string    `json:"code"`
	PollToken string    `json:"pollToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CodeInfo struct {
	ClientType model.ClientType `json:"clientType"`
	Pending    bool             `json:"pending"`
	IPAddress  string           `json:"ipAddress"`
	UserAgent  string           `json:"userAgent"`
	ExpiresAt  time.Time        `json:"expiresAt"`
}

type PollResult struct {
	Status           model.CodeStatus `json:"status"`
	Credential       string           `json:"credential,omitempty"`
	SessionExpiresAt *time.Time       `json:"sessionExpiresAt,omitempty"`
	NextPollAt       *time.Time       `json:"nextPollAt,omitempty"`
}

// DeviceLinkService orchestrates the pairing state machine:
// pending -> authorized -> consumed, pending -> denied, and the
// time-triggered pending|authorized -> expired. Every transition goes
// through a repository compare-and-swap so concurrent callers race safely.
type DeviceLinkService struct {
	tx          TxRunner
	codeRepo    repository.DeviceCodeRepository
	sessionRepo repository.SessionRepository
	dispatcher  *notify.Dispatcher
	cfg         DeviceLinkConfig
}

func NewDeviceLinkService(
	tx TxRunner,
	codeRepo repository.DeviceCodeRepository,
	sessionRepo repository.SessionRepository,
	dispatcher *notify.Dispatcher,
	cfg DeviceLinkConfig,
) *DeviceLinkService {
	return &DeviceLinkService{
		tx:          tx,
		codeRepo:    codeRepo,
		sessionRepo: sessionRepo,
		dispatcher:  dispatcher,
		cfg:         cfg,
	}
}

// Create issues a new pending device code. The raw poll token appears only
// in the returned result; the store keeps its salted hash.
func (s *DeviceLinkService) Create(ctx context.Context, clientType, ip, userAgent string) (*CreateResult, error) {
	if !util.IsValidEnum(clientType, model.ClientTypes) {
		return nil, apperrors.InvalidInput("clientType", "must be one of: "+strings.Join(model.ClientTypes, ", "))
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.CodeTTL)

	for attempt := 0; attempt < s.cfg.MaxGenRetries; attempt++ {
		code, err := util.GenerateDeviceCode()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		token, err := util.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}

		dc, err := s.codeRepo.Create(ctx, model.CreateDeviceCodeParams{
			Code:       code,
			TokenHash:  util.HashToken(s.cfg.TokenHashSecret, token),
			ClientType: model.ClientType(clientType),
			IPAddress:  ip,
			UserAgent:  userAgent,
			NextPollAt: now,
			ExpiresAt:  expiresAt,
		})
		if errors.Is(err, repository.ErrDuplicate) {
			log.Warn().
				Str("code", util.MaskCode(code)).
				Int("attempt", attempt+1).
				Msg("device code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create device code: %w", err)
		}

		audit.Log(ctx, audit.Event{
			Type:      audit.EventCodeCreate,
			IP:        ip,
			UserAgent: userAgent,
			Details:   map[string]interface{}{"code": util.MaskCode(code), "clientType": clientType},
		})

		log.Info().
			Str("code", util.MaskCode(code)).
			Str("clientType", clientType).
			Time("expiresAt", dc.ExpiresAt).
			Msg("device code created")

		return &CreateResult{
			Code:      code,
			PollToken: token,
			ExpiresAt: dc.ExpiresAt,
		}, nil
	}

	return nil, apperrors.GenerationExhausted()
}

// GetInfo returns what the confirmation screen needs. It never exposes the
// poll token.
func (s *DeviceLinkService) GetInfo(ctx context.Context, code string) (*CodeInfo, error) {
	dc, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	switch dc.Status {
	case model.CodeStatusPending, model.CodeStatusAuthorized:
		return &CodeInfo{
			ClientType: dc.ClientType,
			Pending:    dc.Status == model.CodeStatusPending,
			IPAddress:  dc.IPAddress,
			UserAgent:  dc.UserAgent,
			ExpiresAt:  dc.ExpiresAt,
		}, nil
	case model.CodeStatusExpired:
		return nil, apperrors.NotFound("Device code")
	default:
		return nil, apperrors.AlreadyResolved()
	}
}

// Authorize binds a pending code to the primary user's account. On success
// a device-link-result frame is pushed to the waiting secondary client, if
// one is connected; push failure never affects the transition.
func (s *DeviceLinkService) Authorize(ctx context.Context, code, accountID string) error {
	dc, err := s.findByCode(ctx, code)
	if err != nil {
		return err
	}

	won, err := s.codeRepo.Authorize(ctx, dc.ID, accountID)
	if err != nil {
		return fmt.Errorf("authorize device code: %w", err)
	}
	if !won {
		return s.resolveTransitionLoss(ctx, dc.Code)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeAuthorize,
		AccountID: accountID,
		IP:        dc.IPAddress,
		Details:   map[string]interface{}{"code": util.MaskCode(dc.Code)},
	})

	log.Info().
		Str("code", util.MaskCode(dc.Code)).
		Str("accountId", accountID).
		Msg("device code authorized")

	s.pushLinkResult(ctx, dc, outcomeAuthorized)
	return nil
}

// Deny rejects a pending code. The accountID identifies the acting primary
// user for the audit trail; a denied code never binds to an account.
func (s *DeviceLinkService) Deny(ctx context.Context, code, accountID string) error {
	dc, err := s.findByCode(ctx, code)
	if err != nil {
		return err
	}

	won, err := s.codeRepo.Deny(ctx, dc.ID)
	if err != nil {
		return fmt.Errorf("deny device code: %w", err)
	}
	if !won {
		return s.resolveTransitionLoss(ctx, dc.Code)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeDeny,
		AccountID: accountID,
		IP:        dc.IPAddress,
		Details:   map[string]interface{}{"code": util.MaskCode(dc.Code)},
	})

	log.Info().
		Str("code", util.MaskCode(dc.Code)).
		Str("accountId", accountID).
		Msg("device code denied")

	s.pushLinkResult(ctx, dc, outcomeDenied)
	return nil
}

// Poll reports the current pairing status to the secondary client. An
// authorized code is atomically consumed and exchanged for a session
// credential exactly once; concurrent polls race on the consume
// compare-and-swap and every loser gets AlreadyConsumed.
func (s *DeviceLinkService) Poll(ctx context.Context, token string) (*PollResult, error) {
	if !util.IsValidPollToken(token) {
		return nil, apperrors.InvalidInput("token", "must be 64 hex characters")
	}

	dc, err := s.codeRepo.FindByTokenHash(ctx, util.HashToken(s.cfg.TokenHashSecret, token))
	if err != nil {
		return nil, fmt.Errorf("find device code: %w", err)
	}
	if dc == nil {
		return nil, apperrors.NotFound("Device code")
	}

	now := time.Now()
	if dc.TimedOut(now) {
		s.expireLazily(ctx, dc)
		return nil, apperrors.Expired("Device code")
	}

	switch dc.Status {
	case model.CodeStatusPending:
		return s.pollPending(ctx, dc, now)
	case model.CodeStatusAuthorized:
		return s.consume(ctx, dc, now)
	case model.CodeStatusDenied:
		return &PollResult{Status: model.CodeStatusDenied}, nil
	case model.CodeStatusConsumed:
		return nil, apperrors.AlreadyConsumed()
	default:
		return nil, apperrors.Expired("Device code")
	}
}

func (s *DeviceLinkService) pollPending(ctx context.Context, dc *model.DeviceCode, now time.Time) (*PollResult, error) {
	if now.Before(dc.NextPollAt) {
		// Premature poll: the backoff interval doubles per offense, capped
		// at the configured maximum. The TTL is unaffected.
		strikes := dc.PollCount + 1
		interval := s.backoffInterval(strikes)
		nextPollAt := now.Add(interval)

		if err := s.codeRepo.SetNextPoll(ctx, dc.ID, nextPollAt, strikes); err != nil {
			log.Error().Err(err).Str("code", util.MaskCode(dc.Code)).Msg("failed to record premature poll")
		}

		return nil, apperrors.SlowDown(int(interval.Seconds()))
	}

	nextPollAt := now.Add(s.cfg.PollBaseInterval)
	if err := s.codeRepo.SetNextPoll(ctx, dc.ID, nextPollAt, 0); err != nil {
		log.Error().Err(err).Str("code", util.MaskCode(dc.Code)).Msg("failed to record poll")
	}

	return &PollResult{
		Status:     model.CodeStatusPending,
		NextPollAt: &nextPollAt,
	}, nil
}

func (s *DeviceLinkService) consume(ctx context.Context, dc *model.DeviceCode, now time.Time) (*PollResult, error) {
	if dc.AccountID == nil {
		return nil, apperrors.Internal("authorized device code has no account")
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	var session *model.Session
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		won, err := s.codeRepo.Consume(ctx, tx, dc.ID)
		if err != nil {
			return fmt.Errorf("consume device code: %w", err)
		}
		if !won {
			return apperrors.AlreadyConsumed()
		}

		session, err = s.sessionRepo.Create(ctx, tx, model.CreateSessionParams{
			ID:        uuid.NewString(),
			AccountID: *dc.AccountID,
			TokenHash: util.HashToken(s.cfg.TokenHashSecret, token),
			IPAddress: dc.IPAddress,
			UserAgent: dc.UserAgent,
			ExpiresAt: now.Add(s.cfg.SessionTTL),
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeConsume,
		AccountID: session.AccountID,
		IP:        dc.IPAddress,
		Details:   map[string]interface{}{"code": util.MaskCode(dc.Code), "sessionId": session.ID},
	})

	log.Info().
		Str("code", util.MaskCode(dc.Code)).
		Str("sessionId", session.ID).
		Msg("device code consumed, session issued")

	return &PollResult{
		Status:           model.CodeStatusAuthorized,
		Credential:       token,
		SessionExpiresAt: &session.ExpiresAt,
	}, nil
}

// findByCode validates, normalizes, and loads a code, applying lazy expiry.
func (s *DeviceLinkService) findByCode(ctx context.Context, code string) (*model.DeviceCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if !util.IsValidDeviceCode(normalized) {
		return nil, apperrors.InvalidInput("code", "must match XXXX-XXXX")
	}

	dc, err := s.codeRepo.FindByCode(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("find device code: %w", err)
	}
	if dc == nil {
		return nil, apperrors.NotFound("Device code")
	}

	if dc.TimedOut(time.Now()) {
		s.expireLazily(ctx, dc)
		return nil, apperrors.Expired("Device code")
	}

	return dc, nil
}

// resolveTransitionLoss re-reads a record after a lost compare-and-swap to
// report why: the code either timed out or was resolved by a concurrent call.
func (s *DeviceLinkService) resolveTransitionLoss(ctx context.Context, code string) error {
	dc, err := s.codeRepo.FindByCode(ctx, code)
	if err != nil || dc == nil {
		return apperrors.AlreadyResolved()
	}
	if dc.Status == model.CodeStatusExpired || dc.TimedOut(time.Now()) {
		return apperrors.Expired("Device code")
	}
	return apperrors.AlreadyResolved()
}

func (s *DeviceLinkService) expireLazily(ctx context.Context, dc *model.DeviceCode) {
	if _, err := s.codeRepo.Expire(ctx, dc.ID); err != nil {
		log.Error().Err(err).Str("code", util.MaskCode(dc.Code)).Msg("failed to expire device code")
	}
	dc.Status = model.CodeStatusExpired
}

func (s *DeviceLinkService) backoffInterval(strikes int) time.Duration {
	interval := s.cfg.PollBaseInterval
	for i := 0; i < strikes && interval < s.cfg.PollMaxInterval; i++ {
		interval *= 2
	}
	if interval > s.cfg.PollMaxInterval {
		interval = s.cfg.PollMaxInterval
	}
	return interval
}

func (s *DeviceLinkService) pushLinkResult(ctx context.Context, dc *model.DeviceCode, outcome string) {
	err := s.dispatcher.Send(ctx, notify.DeviceKey(dc.TokenHash), wire.TypeDeviceLinkResult, []string{dc.Code, outcome})
	if err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(dc.Code)).Msg("failed to push device link result")
	}
}
