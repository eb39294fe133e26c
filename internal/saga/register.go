package saga

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/identity"
	"github.com/corepay/payhub/internal/model"
	"github.com/corepay/payhub/internal/token"
)

// State names one step of the registration workflow.
type State string

const (
	StateIdentityCreated   State = "identity_created"
	StateWalletProvisioned State = "wallet_provisioned"
	StateRolledBack        State = "rolled_back"
)

// ErrDuplicateIdentity is returned when the email is already registered.
var ErrDuplicateIdentity = errors.New("email already registered")

// ErrProvisioningFailed is the single error registration surfaces when
// wallet provisioning fails; the identity created in step one has been
// rolled back (or reported for reconciliation) by the time it is returned.
var ErrProvisioningFailed = errors.New("wallet provisioning failed")

// ErrUpstreamUnavailable marks network failures and timeouts talking to
// the billing service.
var ErrUpstreamUnavailable = errors.New("billing service unavailable")

// Result is returned on a fully provisioned registration.
type Result struct {
	User   *model.User
	Tokens *token.Pair
	State  State
}

// Registration runs the two-step signup workflow: create the identity,
// then provision its wallet across the service boundary. There is no
// cross-service transaction, so a failed second step compensates by
// deleting the identity. A failed compensation is the one accepted
// inconsistency; it is logged and written to the outbox for out-of-band
// reconciliation, never silently dropped.
type Registration struct {
	identities *identity.Store
	billing    BillingClient
	tokens     *token.Issuer
	db         *gorm.DB
	log        *zap.SugaredLogger
}

// NewRegistration wires the saga's collaborators.
func NewRegistration(identities *identity.Store, billing BillingClient, tokens *token.Issuer, db *gorm.DB, logger *zap.SugaredLogger) *Registration {
	return &Registration{identities: identities, billing: billing, tokens: tokens, db: db, log: logger}
}

// Register executes the saga. Either both the identity and its wallet
// exist afterwards, or neither does (from the caller's point of view).
func (s *Registration) Register(ctx context.Context, email, password string) (*Result, error) {
	if _, err := s.identities.FindByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateIdentity
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return nil, err
	}

	user, err := s.identities.Create(ctx, email, password)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}
	// state: identity_created — any exit below here must roll it back

	if _, err := s.billing.InitWallet(ctx, user.ID); err != nil {
		s.rollback(ctx, user, err)
		return nil, ErrProvisioningFailed
	}
	// state: wallet_provisioned

	pair, err := s.tokens.Issue(ctx, user)
	if err != nil {
		// both the identity and the wallet are in place, so nothing is
		// rolled back; the account is reachable through a normal login
		s.log.Errorw("token issuance failed after provisioning, account remains usable via login",
			"user_id", user.ID, "email", user.Email, "err", err)
		return nil, err
	}
	return &Result{User: user, Tokens: pair, State: StateWalletProvisioned}, nil
}

// rollback deletes the identity created in step one. If the delete fails
// too, an identity without a wallet remains; that is reported through the
// log and the outbox so reconciliation can pick it up.
func (s *Registration) rollback(ctx context.Context, user *model.User, cause error) {
	s.log.Errorw("wallet provisioning failed, rolling back identity",
		"user_id", user.ID, "email", user.Email, "err", cause)

	if err := s.identities.Delete(ctx, user.ID); err != nil {
		s.log.Errorw("registration compensation failed, manual reconciliation required",
			"user_id", user.ID, "email", user.Email, "err", err)
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": user.ID, "email": user.Email,
			"cause": cause.Error(), "delete_error": err.Error(),
		})
		evt := &model.OutboxEvent{
			Aggregate: "Registration", AggregateID: user.ID,
			EventType: "CompensationFailed", Payload: string(payload),
		}
		if dbErr := s.db.WithContext(ctx).Create(evt).Error; dbErr != nil {
			s.log.Errorw("failed to record compensation failure", "user_id", user.ID, "err", dbErr)
		}
	}
}
