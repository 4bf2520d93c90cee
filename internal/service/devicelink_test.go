package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexfleet/linkd/internal/database"
	apperrors "github.com/nexfleet/linkd/internal/errors"
	"github.com/nexfleet/linkd/internal/model"
	"github.com/nexfleet/linkd/internal/notify"
	"github.com/nexfleet/linkd/internal/repository"
	"github.com/nexfleet/linkd/internal/util"
	"github.com/nexfleet/linkd/internal/wire"
)

// fakeCodeRepo mimics the store's compare-and-swap semantics in memory so
// transition races behave exactly as they do against Postgres.
type fakeCodeRepo struct {
	mu         sync.Mutex
	codes      map[string]*model.DeviceCode
	duplicates int // Creates that fail with ErrDuplicate before succeeding
}

func newFakeCodeRepo() *fakeCodeRepo {
	return &fakeCodeRepo{codes: make(map[string]*model.DeviceCode)}
}

func (r *fakeCodeRepo) Create(ctx context.Context, params model.CreateDeviceCodeParams) (*model.DeviceCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.duplicates > 0 {
		r.duplicates--
		return nil, repository.ErrDuplicate
	}

	dc := &model.DeviceCode{
		ID:         uuid.NewString(),
		Code:       params.Code,
		TokenHash:  params.TokenHash,
		ClientType: params.ClientType,
		Status:     model.CodeStatusPending,
		IPAddress:  params.IPAddress,
		UserAgent:  params.UserAgent,
		NextPollAt: params.NextPollAt,
		ExpiresAt:  params.ExpiresAt,
		CreatedAt:  time.Now(),
	}
	r.codes[dc.ID] = dc
	out := *dc
	return &out, nil
}

func (r *fakeCodeRepo) FindByCode(ctx context.Context, code string) (*model.DeviceCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.codes {
		if dc.Code == code {
			out := *dc
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeCodeRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.codes {
		if dc.TokenHash == tokenHash {
			out := *dc
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeCodeRepo) Authorize(ctx context.Context, id, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dc, ok := r.codes[id]
	if !ok || dc.Status != model.CodeStatusPending || !time.Now().Before(dc.ExpiresAt) {
		return false, nil
	}
	dc.Status = model.CodeStatusAuthorized
	dc.AccountID = &accountID
	return true, nil
}

func (r *fakeCodeRepo) Deny(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dc, ok := r.codes[id]
	if !ok || dc.Status != model.CodeStatusPending || !time.Now().Before(dc.ExpiresAt) {
		return false, nil
	}
	now := time.Now()
	dc.Status = model.CodeStatusDenied
	dc.ResolvedAt = &now
	return true, nil
}

func (r *fakeCodeRepo) Expire(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dc, ok := r.codes[id]
	if !ok || (dc.Status != model.CodeStatusPending && dc.Status != model.CodeStatusAuthorized) {
		return false, nil
	}
	now := time.Now()
	dc.Status = model.CodeStatusExpired
	dc.ResolvedAt = &now
	return true, nil
}

func (r *fakeCodeRepo) Consume(ctx context.Context, q database.DBTX, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dc, ok := r.codes[id]
	if !ok || dc.Status != model.CodeStatusAuthorized {
		return false, nil
	}
	now := time.Now()
	dc.Status = model.CodeStatusConsumed
	dc.ResolvedAt = &now
	return true, nil
}

func (r *fakeCodeRepo) SetNextPoll(ctx context.Context, id string, nextPollAt time.Time, pollCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dc, ok := r.codes[id]; ok {
		dc.NextPollAt = nextPollAt
		dc.PollCount = pollCount
	}
	return nil
}

func (r *fakeCodeRepo) ExpireTimedOut(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for _, dc := range r.codes {
		if (dc.Status == model.CodeStatusPending || dc.Status == model.CodeStatusAuthorized) && now.After(dc.ExpiresAt) {
			dc.Status = model.CodeStatusExpired
			resolved := now
			dc.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (r *fakeCodeRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, dc := range r.codes {
		if dc.Status.Terminal() && dc.ResolvedAt != nil && dc.ResolvedAt.Before(cutoff) {
			delete(r.codes, id)
			n++
		}
	}
	return n, nil
}

// get returns the stored record for assertions.
func (r *fakeCodeRepo) get(code string) *model.DeviceCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.codes {
		if dc.Code == code {
			out := *dc
			return &out
		}
	}
	return nil
}

// setExpiry rewrites a record's deadline, simulating TTL elapse.
func (r *fakeCodeRepo) setExpiry(code string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.codes {
		if dc.Code == code {
			dc.ExpiresAt = expiresAt
		}
	}
}

// setNextPollAt rewrites the backoff deadline, simulating interval elapse.
func (r *fakeCodeRepo) setNextPollAt(code string, nextPollAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.codes {
		if dc.Code == code {
			dc.NextPollAt = nextPollAt
		}
	}
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, q database.DBTX, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &model.Session{
		ID:        params.ID,
		AccountID: params.AccountID,
		TokenHash: params.TokenHash,
		IPAddress: params.IPAddress,
		UserAgent: params.UserAgent,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: time.Now(),
	}
	r.sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (r *fakeSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TokenHash == tokenHash && time.Now().Before(s.ExpiresAt) {
			out := *s
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if time.Now().After(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// fakeTxRunner runs the function outside any transaction; the fake repos
// ignore the transaction handle.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

const testSecret = "test-hash-secret"

func testConfig() DeviceLinkConfig {
	return DeviceLinkConfig{
		TokenHashSecret:  testSecret,
		CodeTTL:          10 * time.Minute,
		PollBaseInterval: 5 * time.Second,
		PollMaxInterval:  60 * time.Second,
		MaxGenRetries:    5,
		SessionTTL:       time.Hour,
	}
}

func newTestService(t *testing.T) (*DeviceLinkService, *fakeCodeRepo, *fakeSessionRepo, *notify.Registry) {
	t.Helper()

	codeRepo := newFakeCodeRepo()
	sessionRepo := newFakeSessionRepo()
	registry := notify.NewRegistry(nil)
	t.Cleanup(registry.Close)
	dispatcher := notify.NewDispatcher(registry, nil)

	svc := NewDeviceLinkService(fakeTxRunner{}, codeRepo, sessionRepo, dispatcher, testConfig())
	return svc, codeRepo, sessionRepo, registry
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a pending code with token and deadline", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)

		result, err := svc.Create(ctx, "connector", "10.0.0.9", "linkd-connector/1.0")

		require.NoError(t, err)
		assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}$`, result.Code)
		assert.Regexp(t, `^[0-9a-f]{64}$`, result.PollToken)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), result.ExpiresAt, 5*time.Second)

		stored := codeRepo.get(result.Code)
		require.NotNil(t, stored)
		assert.Equal(t, model.CodeStatusPending, stored.Status)
		assert.Equal(t, model.ClientTypeConnector, stored.ClientType)
		assert.Nil(t, stored.AccountID)

		// Only the salted hash is persisted, never the raw token.
		assert.Equal(t, util.HashToken(testSecret, result.PollToken), stored.TokenHash)
		assert.NotEqual(t, result.PollToken, stored.TokenHash)
	})

	t.Run("rejects unknown client type", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		_, err := svc.Create(ctx, "desktop", "10.0.0.9", "ua")

		assertCode(t, err, apperrors.ErrCodeInvalidInput)
	})

	t.Run("retries generation on collision", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		codeRepo.duplicates = 2

		result, err := svc.Create(ctx, "mobile", "10.0.0.9", "ua")

		require.NoError(t, err)
		assert.NotNil(t, codeRepo.get(result.Code))
	})

	t.Run("fails after exhausting generation retries", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		codeRepo.duplicates = 5

		_, err := svc.Create(ctx, "mobile", "10.0.0.9", "ua")

		assertCode(t, err, apperrors.ErrCodeGenerationExhausted)
	})
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("shows a pending code", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "10.0.0.9", "linkd-connector/1.0")
		require.NoError(t, err)

		info, err := svc.GetInfo(ctx, created.Code)

		require.NoError(t, err)
		assert.True(t, info.Pending)
		assert.Equal(t, model.ClientTypeConnector, info.ClientType)
		assert.Equal(t, "10.0.0.9", info.IPAddress)
		assert.Equal(t, "linkd-connector/1.0", info.UserAgent)
	})

	t.Run("accepts lowercase input", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)

		info, err := svc.GetInfo(ctx, "  "+strings.ToLower(created.Code)+" ")

		require.NoError(t, err)
		assert.True(t, info.Pending)
	})

	t.Run("rejects malformed code before store access", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		_, err := svc.GetInfo(ctx, "not-a-code")

		assertCode(t, err, apperrors.ErrCodeInvalidInput)
	})

	t.Run("unknown code is not found", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		_, err := svc.GetInfo(ctx, "AAAA-BBBB")

		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("authorized code is no longer pending", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-1"))

		info, err := svc.GetInfo(ctx, created.Code)

		require.NoError(t, err)
		assert.False(t, info.Pending)
	})

	t.Run("denied code reports already resolved", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Deny(ctx, created.Code, "acct-1"))

		_, err = svc.GetInfo(ctx, created.Code)

		assertCode(t, err, apperrors.ErrCodeAlreadyResolved)
	})

	t.Run("timed-out code is expired from view", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		codeRepo.setExpiry(created.Code, time.Now().Add(-time.Second))

		_, err = svc.GetInfo(ctx, created.Code)

		assertCode(t, err, apperrors.ErrCodeExpired)
		assert.Equal(t, model.CodeStatusExpired, codeRepo.get(created.Code).Status)
	})
}

func TestAuthorizeAndDeny(t *testing.T) {
	ctx := context.Background()

	t.Run("authorize binds the account", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		stored := codeRepo.get(created.Code)
		assert.Equal(t, model.CodeStatusAuthorized, stored.Status)
		require.NotNil(t, stored.AccountID)
		assert.Equal(t, "acct-42", *stored.AccountID)
	})

	t.Run("deny never binds the account", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		require.NoError(t, svc.Deny(ctx, created.Code, "acct-42"))

		stored := codeRepo.get(created.Code)
		assert.Equal(t, model.CodeStatusDenied, stored.Status)
		assert.Nil(t, stored.AccountID)
	})

	t.Run("unknown code is not found", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		err := svc.Authorize(ctx, "AAAA-BBBB", "acct-1")

		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("authorize and deny are mutually exclusive", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)

		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-1"))
		assertCode(t, svc.Deny(ctx, created.Code, "acct-2"), apperrors.ErrCodeAlreadyResolved)

		other, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Deny(ctx, other.Code, "acct-1"))
		assertCode(t, svc.Authorize(ctx, other.Code, "acct-2"), apperrors.ErrCodeAlreadyResolved)
	})

	t.Run("authorize on a timed-out code is expired", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		codeRepo.setExpiry(created.Code, time.Now().Add(-time.Second))

		assertCode(t, svc.Authorize(ctx, created.Code, "acct-1"), apperrors.ErrCodeExpired)
	})

	t.Run("authorize pushes the link result to the waiting client", func(t *testing.T) {
		svc, codeRepo, _, registry := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		stored := codeRepo.get(created.Code)
		connA := registry.Bind(notify.DeviceKey(stored.TokenHash))
		connB := registry.Bind(notify.DeviceKey(stored.TokenHash))
		defer registry.Unbind(connA)
		defer registry.Unbind(connB)

		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		for _, conn := range []*notify.Conn{connA, connB} {
			select {
			case frame := <-conn.Frames:
				typ, fields, err := wire.Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, wire.TypeDeviceLinkResult, typ)
				assert.Equal(t, []string{created.Code, "authorized"}, fields)
			case <-time.After(time.Second):
				t.Fatal("expected a pushed frame")
			}
		}
	})

	t.Run("deny pushes the link result too", func(t *testing.T) {
		svc, codeRepo, _, registry := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		conn := registry.Bind(notify.DeviceKey(codeRepo.get(created.Code).TokenHash))
		defer registry.Unbind(conn)

		require.NoError(t, svc.Deny(ctx, created.Code, "acct-42"))

		select {
		case frame := <-conn.Frames:
			_, fields, err := wire.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, []string{created.Code, "denied"}, fields)
		case <-time.After(time.Second):
			t.Fatal("expected a pushed frame")
		}
	})
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects malformed token before store access", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		_, err := svc.Poll(ctx, "short")

		assertCode(t, err, apperrors.ErrCodeInvalidInput)
	})

	t.Run("unknown token is not found", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		token, err := util.GenerateToken()
		require.NoError(t, err)
		_, err = svc.Poll(ctx, token)

		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("pending poll reports status and next poll time", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		result, err := svc.Poll(ctx, created.PollToken)

		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusPending, result.Status)
		assert.Empty(t, result.Credential)
		require.NotNil(t, result.NextPollAt)
		assert.WithinDuration(t, time.Now().Add(5*time.Second), *result.NextPollAt, 2*time.Second)
	})

	t.Run("premature polls slow down with growing backoff", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)

		_, err = svc.Poll(ctx, created.PollToken)
		require.NoError(t, err)

		// First premature poll: interval doubles from the base.
		_, err = svc.Poll(ctx, created.PollToken)
		appErr := assertCode(t, err, apperrors.ErrCodeSlowDown)
		assert.Equal(t, map[string]int{"retryAfter": 10}, appErr.Details)

		// Second premature poll doubles again.
		_, err = svc.Poll(ctx, created.PollToken)
		appErr = assertCode(t, err, apperrors.ErrCodeSlowDown)
		assert.Equal(t, map[string]int{"retryAfter": 20}, appErr.Details)

		// Growth is capped at the configured maximum.
		for i := 0; i < 10; i++ {
			_, err = svc.Poll(ctx, created.PollToken)
		}
		appErr = assertCode(t, err, apperrors.ErrCodeSlowDown)
		assert.Equal(t, map[string]int{"retryAfter": 60}, appErr.Details)

		// A compliant poll resets the interval to the base.
		codeRepo.setNextPollAt(created.Code, time.Now().Add(-time.Second))
		result, err := svc.Poll(ctx, created.PollToken)
		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusPending, result.Status)
		assert.Equal(t, 0, codeRepo.get(created.Code).PollCount)
	})

	t.Run("authorized poll exchanges the code for a credential", func(t *testing.T) {
		svc, codeRepo, sessionRepo, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		result, err := svc.Poll(ctx, created.PollToken)

		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusAuthorized, result.Status)
		assert.Regexp(t, `^[0-9a-f]{64}$`, result.Credential)
		assert.Equal(t, model.CodeStatusConsumed, codeRepo.get(created.Code).Status)
		assert.Equal(t, 1, sessionRepo.count())

		session, err := sessionRepo.FindByTokenHash(ctx, util.HashToken(testSecret, result.Credential))
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "acct-42", session.AccountID)
	})

	t.Run("second poll after consumption never returns the credential again", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		_, err = svc.Poll(ctx, created.PollToken)
		require.NoError(t, err)

		_, err = svc.Poll(ctx, created.PollToken)
		assertCode(t, err, apperrors.ErrCodeAlreadyConsumed)
	})

	t.Run("concurrent polls issue exactly one credential", func(t *testing.T) {
		svc, _, sessionRepo, _ := newTestService(t)
		created, err := svc.Create(ctx, "connector", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		const pollers = 20
		results := make(chan *PollResult, pollers)
		errs := make(chan error, pollers)

		var wg sync.WaitGroup
		for i := 0; i < pollers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := svc.Poll(ctx, created.PollToken)
				if err != nil {
					errs <- err
					return
				}
				results <- result
			}()
		}
		wg.Wait()
		close(results)
		close(errs)

		var credentials int
		for result := range results {
			if result.Credential != "" {
				credentials++
			}
		}
		assert.Equal(t, 1, credentials, "exactly one poll wins the credential")
		assert.Equal(t, 1, sessionRepo.count())

		for err := range errs {
			assertCode(t, err, apperrors.ErrCodeAlreadyConsumed)
		}
	})

	t.Run("denied poll reports the terminal status without a credential", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		require.NoError(t, svc.Deny(ctx, created.Code, "acct-1"))

		result, err := svc.Poll(ctx, created.PollToken)

		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusDenied, result.Status)
		assert.Empty(t, result.Credential)
	})

	t.Run("timed-out poll is expired even before the sweep runs", func(t *testing.T) {
		svc, codeRepo, _, _ := newTestService(t)
		created, err := svc.Create(ctx, "mobile", "ip", "ua")
		require.NoError(t, err)
		codeRepo.setExpiry(created.Code, time.Now().Add(-time.Second))

		_, err = svc.Poll(ctx, created.PollToken)
		assertCode(t, err, apperrors.ErrCodeExpired)

		// And the authorize path agrees.
		assertCode(t, svc.Authorize(ctx, created.Code, "acct-1"), apperrors.ErrCodeExpired)
	})
}

func TestLinkingScenario(t *testing.T) {
	ctx := context.Background()

	t.Run("connector pairing end to end", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		created, err := svc.Create(ctx, "connector", "10.0.0.9", "linkd-connector/1.0")
		require.NoError(t, err)

		info, err := svc.GetInfo(ctx, created.Code)
		require.NoError(t, err)
		assert.True(t, info.Pending)

		require.NoError(t, svc.Authorize(ctx, created.Code, "acct-42"))

		result, err := svc.Poll(ctx, created.PollToken)
		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusAuthorized, result.Status)
		assert.NotEmpty(t, result.Credential)

		_, err = svc.Poll(ctx, created.PollToken)
		assertCode(t, err, apperrors.ErrCodeAlreadyConsumed)
	})
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) *apperrors.AppError {
	t.Helper()
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok, "expected an AppError, got %v", err)
	assert.Equal(t, code, appErr.Code)
	return appErr
}
