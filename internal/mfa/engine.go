package mfa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/crypto"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/notify"
	"github.com/aegisid/aegis/internal/ratelimit"
	"github.com/aegisid/aegis/internal/storage"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = otp.DigitsSix

	challengeCodeDigits = 6
	backupCodeCount     = 10

	verifyScope  = "mfa_verify"
	verifyLimit  = 5
	verifyWindow = 15 * time.Minute

	sendScope    = "mfa_send"
	sendLimit    = 5
	sendWindow   = 15 * time.Minute
	sendCooldown = 60 * time.Second
)

// Engine runs one realm's second-factor flows.
type Engine struct {
	realm    string
	issuer   string
	cfg      config.MFAConfig
	store    storage.Store
	bus      *event.Bus
	clock    core.Clock
	logger   *slog.Logger
	box      *crypto.SecretBox
	email    notify.EmailSender
	sms      notify.SMSSender
	limiter  ratelimit.Limiter
	cooldown *ratelimit.Cooldown
}

// NewEngine builds an MFA engine. The issuer names the realm in otpauth URLs.
func NewEngine(realm, issuer string, cfg config.MFAConfig, store storage.Store, bus *event.Bus, clock core.Clock, logger *slog.Logger, email notify.EmailSender, sms notify.SMSSender, limiter ratelimit.Limiter) (*Engine, error) {
	box, err := crypto.NewSecretBox(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa encryption key: %w", err)
	}
	return &Engine{
		realm:    realm,
		issuer:   issuer,
		cfg:      cfg,
		store:    store,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		box:      box,
		email:    email,
		sms:      sms,
		limiter:  limiter,
		cooldown: ratelimit.NewCooldown(sendCooldown),
	}, nil
}

// EnrollTotp creates a pending TOTP method. The returned secret and otpauth
// URL are the only plaintext copies; at rest the secret is encrypted.
func (e *Engine) EnrollTotp(ctx context.Context, userID uuid.UUID, label string) (*TotpEnrollment, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	account := user.Email
	if account == "" {
		account = user.ID.String()
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		Period:      uint(totpPeriod / time.Second),
		Digits:      totpDigits,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp key: %w", err)
	}

	encrypted, err := e.box.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("encrypting totp secret: %w", err)
	}

	method := storage.MFAMethod{
		ID:        core.NewID(),
		UserID:    userID,
		Type:      storage.MFATypeTOTP,
		Secret:    encrypted,
		Label:     label,
		Active:    false,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateMFAMethod(ctx, method); err != nil {
		return nil, fmt.Errorf("creating mfa method: %w", err)
	}

	return &TotpEnrollment{MethodID: method.ID, Secret: key.Secret(), OtpauthURL: key.URL()}, nil
}

// VerifyTotpEnrollment proves possession of the authenticator and flips the
// method to active.
func (e *Engine) VerifyTotpEnrollment(ctx context.Context, userID, methodID uuid.UUID, code string) error {
	method, err := e.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if method.Type != storage.MFATypeTOTP || method.Active {
		return ErrMethodNotFound
	}

	secret, err := e.box.Decrypt(method.Secret)
	if err != nil {
		return fmt.Errorf("decrypting totp secret: %w", err)
	}

	step, ok := e.matchTotpStep(string(secret), code)
	if !ok {
		return ErrInvalidCode
	}

	err = e.store.UpdateMFAMethod(ctx, methodID, func(m storage.MFAMethod) (storage.MFAMethod, error) {
		m.Active = true
		m.LastUsedStep = step
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("activating mfa method: %w", err)
	}

	e.bus.Publish(event.Event{
		Type:   event.MFAEnrolled,
		UserID: userID,
		Data:   event.MFAData{UserID: userID, MethodID: methodID, MethodType: string(storage.MFATypeTOTP)},
	})
	return nil
}

// VerifyTotp validates a code against an active TOTP method with a window of
// one step either side. A step already used for this method is rejected, so
// an intercepted code cannot be replayed within its window.
func (e *Engine) VerifyTotp(ctx context.Context, userID, methodID uuid.UUID, code string, dev device.Info, rememberDevice bool) error {
	if err := e.checkVerifyLimit(ctx, userID, methodID); err != nil {
		return err
	}

	method, err := e.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if method.Type != storage.MFATypeTOTP {
		return ErrMethodNotFound
	}
	if !method.Active {
		return ErrMethodNotActive
	}

	secret, err := e.box.Decrypt(method.Secret)
	if err != nil {
		return fmt.Errorf("decrypting totp secret: %w", err)
	}

	step, ok := e.matchTotpStep(string(secret), code)
	if !ok || step <= method.LastUsedStep {
		e.publishVerify(userID, methodID, storage.MFATypeTOTP, false)
		return ErrInvalidCode
	}

	err = e.store.UpdateMFAMethod(ctx, methodID, func(m storage.MFAMethod) (storage.MFAMethod, error) {
		m.LastUsedStep = step
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("recording totp step: %w", err)
	}

	e.publishVerify(userID, methodID, storage.MFATypeTOTP, true)
	if rememberDevice && dev.Known() {
		if err := e.TrustDevice(ctx, userID, dev.IP, dev.UserAgent, "", 0); err != nil {
			e.logger.Warn("trust_device_failed", "realm", e.realm, "user_id", userID, "error", err)
		}
	}
	return nil
}

// EnrollEmail creates a pending email method and sends its first challenge.
func (e *Engine) EnrollEmail(ctx context.Context, userID uuid.UUID, address string) (uuid.UUID, error) {
	return e.enrollContact(ctx, userID, storage.MFATypeEmail, address)
}

// EnrollSms creates a pending SMS method and sends its first challenge.
func (e *Engine) EnrollSms(ctx context.Context, userID uuid.UUID, number string) (uuid.UUID, error) {
	return e.enrollContact(ctx, userID, storage.MFATypeSMS, number)
}

func (e *Engine) enrollContact(ctx context.Context, userID uuid.UUID, typ storage.MFAMethodType, contact string) (uuid.UUID, error) {
	method := storage.MFAMethod{
		ID:        core.NewID(),
		UserID:    userID,
		Type:      typ,
		Contact:   contact,
		Active:    false,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateMFAMethod(ctx, method); err != nil {
		return uuid.Nil, fmt.Errorf("creating mfa method: %w", err)
	}

	challengeID, err := e.sendChallenge(ctx, method, true)
	if err != nil {
		return uuid.Nil, err
	}
	return challengeID, nil
}

// ChallengeEmail sends a fresh code for an active email method.
func (e *Engine) ChallengeEmail(ctx context.Context, userID, methodID uuid.UUID) ChallengeResult {
	return e.challenge(ctx, userID, methodID, storage.MFATypeEmail)
}

// ChallengeSms sends a fresh code for an active SMS method.
func (e *Engine) ChallengeSms(ctx context.Context, userID, methodID uuid.UUID) ChallengeResult {
	return e.challenge(ctx, userID, methodID, storage.MFATypeSMS)
}

func (e *Engine) challenge(ctx context.Context, userID, methodID uuid.UUID, typ storage.MFAMethodType) ChallengeResult {
	method, err := e.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return ChallengeResult{Status: ChallengeFailed, Reason: "method_not_found"}
	}
	if method.Type != typ || !method.Active {
		return ChallengeResult{Status: ChallengeFailed, Reason: "method_not_found"}
	}

	key := userID.String() + ":" + methodID.String()
	if !e.cooldown.Allow(key) {
		return ChallengeResult{Status: ChallengeCooldown, RetryAfter: sendCooldown}
	}
	d, err := e.limiter.Allow(ctx, sendScope, key, sendLimit, sendWindow)
	if err != nil {
		e.logger.Error("mfa_send_limiter_failed", "realm", e.realm, "error", err)
		return ChallengeResult{Status: ChallengeFailed, Reason: "rate_limiter_unavailable"}
	}
	if !d.Allowed {
		return ChallengeResult{Status: ChallengeRateLimited, RetryAfter: d.RetryAfter}
	}

	challengeID, err := e.sendChallenge(ctx, method, false)
	if err != nil {
		return ChallengeResult{Status: ChallengeFailed, Reason: err.Error()}
	}
	return ChallengeResult{Status: ChallengeSent, ChallengeID: challengeID}
}

// sendChallenge persists a hashed one-time code and hands the plaintext to
// the channel sender. Delivery failure is soft: the challenge stays
// redeemable and the caller may retry the send.
func (e *Engine) sendChallenge(ctx context.Context, method storage.MFAMethod, enrollment bool) (uuid.UUID, error) {
	code, err := crypto.RandomDigits(challengeCodeDigits)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating challenge code: %w", err)
	}

	now := e.clock.Now()
	challenge := storage.MFAChallenge{
		ID:         core.NewID(),
		UserID:     method.UserID,
		MethodID:   method.ID,
		CodeHash:   crypto.HashOneWay(code),
		Enrollment: enrollment,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.ChallengeTTL),
	}
	if err := e.store.CreateMFAChallenge(ctx, challenge); err != nil {
		return uuid.Nil, fmt.Errorf("creating mfa challenge: %w", err)
	}

	var sender interface {
		SendCode(ctx context.Context, to, code string) error
	}
	if method.Type == storage.MFATypeSMS {
		sender = e.sms
	} else {
		sender = e.email
	}
	if sender == nil {
		return uuid.Nil, fmt.Errorf("no sender configured for %s", method.Type)
	}
	if err := sender.SendCode(ctx, method.Contact, code); err != nil {
		e.logger.Warn("mfa_challenge_send_failed", "realm", e.realm, "method_id", method.ID, "error", err)
	}

	e.bus.Publish(event.Event{
		Type:   event.MFAChallengeSent,
		UserID: method.UserID,
		Data:   event.MFAData{UserID: method.UserID, MethodID: method.ID, MethodType: string(method.Type)},
	})
	return challenge.ID, nil
}

// VerifyChallenge redeems a one-time code. On success the challenge is
// consumed, an enrollment challenge activates its method, and the device is
// optionally remembered.
func (e *Engine) VerifyChallenge(ctx context.Context, userID, challengeID uuid.UUID, code string, dev device.Info, rememberDevice bool) error {
	challenge, err := e.store.GetMFAChallenge(ctx, challengeID)
	if err != nil {
		if err == storage.ErrNotFound {
			return ErrChallengeNotFound
		}
		return fmt.Errorf("loading mfa challenge: %w", err)
	}
	if challenge.UserID != userID {
		return ErrChallengeNotFound
	}

	if err := e.checkVerifyLimit(ctx, userID, challenge.MethodID); err != nil {
		return err
	}

	now := e.clock.Now()
	ok := challenge.ConsumedAt == nil &&
		now.Before(challenge.ExpiresAt) &&
		crypto.ConstantTimeEquals(crypto.HashOneWay(code), challenge.CodeHash)
	if !ok {
		e.publishVerify(userID, challenge.MethodID, "", false)
		return ErrInvalidCode
	}

	err = e.store.WithTx(ctx, func(st storage.Store) error {
		err := st.UpdateMFAChallenge(ctx, challengeID, func(c storage.MFAChallenge) (storage.MFAChallenge, error) {
			if c.ConsumedAt != nil {
				return c, ErrInvalidCode
			}
			c.ConsumedAt = &now
			return c, nil
		})
		if err != nil {
			return err
		}
		if challenge.Enrollment {
			return st.UpdateMFAMethod(ctx, challenge.MethodID, func(m storage.MFAMethod) (storage.MFAMethod, error) {
				m.Active = true
				return m, nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	method, merr := e.store.GetMFAMethod(ctx, challenge.MethodID)
	methodType := ""
	if merr == nil {
		methodType = string(method.Type)
	}
	if challenge.Enrollment {
		e.bus.Publish(event.Event{
			Type:   event.MFAEnrolled,
			UserID: userID,
			Data:   event.MFAData{UserID: userID, MethodID: challenge.MethodID, MethodType: methodType},
		})
	}
	e.publishVerify(userID, challenge.MethodID, storage.MFAMethodType(methodType), true)

	if rememberDevice && dev.Known() {
		if err := e.TrustDevice(ctx, userID, dev.IP, dev.UserAgent, "", 0); err != nil {
			e.logger.Warn("trust_device_failed", "realm", e.realm, "user_id", userID, "error", err)
		}
	}
	return nil
}

// CancelEnrollment removes a method that never completed enrollment.
func (e *Engine) CancelEnrollment(ctx context.Context, userID, methodID uuid.UUID) error {
	method, err := e.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if method.Active {
		return ErrMethodNotFound
	}
	return e.store.DeleteMFAMethod(ctx, methodID)
}

// RemoveMethod lets a user remove their own method.
func (e *Engine) RemoveMethod(ctx context.Context, userID, methodID uuid.UUID) error {
	method, err := e.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteMFAMethod(ctx, methodID); err != nil {
		return fmt.Errorf("deleting mfa method: %w", err)
	}
	e.bus.Publish(event.Event{
		Type:   event.MFAMethodRemoved,
		UserID: userID,
		Data:   event.MFAData{UserID: userID, MethodID: methodID, MethodType: string(method.Type)},
	})
	return nil
}

// ListMethods returns the user's methods with secrets blanked.
func (e *Engine) ListMethods(ctx context.Context, userID uuid.UUID) ([]storage.MFAMethod, error) {
	methods, err := e.store.ListMFAMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		methods[i].Secret = ""
	}
	return methods, nil
}

// HasActiveMethod reports whether any second factor is active for the user.
func (e *Engine) HasActiveMethod(ctx context.Context, userID uuid.UUID) (bool, error) {
	methods, err := e.store.ListMFAMethods(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range methods {
		if m.Active {
			return true, nil
		}
	}
	return false, nil
}

// CleanupExpiredChallenges drops challenges past their expiry.
func (e *Engine) CleanupExpiredChallenges(ctx context.Context) (int, error) {
	return e.store.DeleteExpiredMFAChallenges(ctx, e.clock.Now())
}

func (e *Engine) ownedMethod(ctx context.Context, userID, methodID uuid.UUID) (storage.MFAMethod, error) {
	method, err := e.store.GetMFAMethod(ctx, methodID)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.MFAMethod{}, ErrMethodNotFound
		}
		return storage.MFAMethod{}, fmt.Errorf("loading mfa method: %w", err)
	}
	if method.UserID != userID {
		return storage.MFAMethod{}, ErrMethodNotFound
	}
	return method, nil
}

func (e *Engine) checkVerifyLimit(ctx context.Context, userID, methodID uuid.UUID) error {
	d, err := e.limiter.Allow(ctx, verifyScope, userID.String()+":"+methodID.String(), verifyLimit, verifyWindow)
	if err != nil {
		return fmt.Errorf("verify rate limiter: %w", err)
	}
	if !d.Allowed {
		return &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	return nil
}

// matchTotpStep reports which 30-second step within a one-step skew produced
// the code, so callers can refuse a step that was already redeemed.
func (e *Engine) matchTotpStep(secret, code string) (int64, bool) {
	now := e.clock.Now()
	step := now.Unix() / int64(totpPeriod/time.Second)
	opts := totp.ValidateOpts{
		Period:    uint(totpPeriod / time.Second),
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	}
	for delta := int64(-1); delta <= 1; delta++ {
		at := time.Unix((step+delta)*int64(totpPeriod/time.Second), 0)
		expected, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return 0, false
		}
		if crypto.ConstantTimeEquals(expected, code) {
			return step + delta, true
		}
	}
	return 0, false
}

func (e *Engine) publishVerify(userID, methodID uuid.UUID, typ storage.MFAMethodType, ok bool) {
	evType := event.MFAVerified
	if !ok {
		evType = event.MFAVerifyFailed
	}
	e.bus.Publish(event.Event{
		Type:   evType,
		UserID: userID,
		Data:   event.MFAData{UserID: userID, MethodID: methodID, MethodType: string(typ)},
	})
}
