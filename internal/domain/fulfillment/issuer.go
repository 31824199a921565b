package fulfillment

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// IssuedToken is a redemption token together with its expiry.
type IssuedToken struct {
	PurchaseID int64
	Token      string
	ExpiresAt  time.Time
}

// Issuer turns a committed purchase into a redemption token the dispensing
// machine can parse offline. A token may be re-issued only after the
// previous window has lapsed; the encoded item list never changes, only the
// expiry does. Expired tokens are never swept; expiry is a timestamp
// comparison at read time.
type Issuer struct {
	store  Store
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewIssuer creates a token issuer.
func NewIssuer(store Store, policy Policy, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{store: store, policy: policy, logger: logger, now: time.Now}
}

// Issue encodes the purchase's items into a token and persists it with a
// fresh expiry, transitioning the purchase to tokenIssued. Fails with
// KindNotFound if the purchase is missing and KindInvalidState while an
// unexpired token is outstanding. Issuance never touches inventory or the
// prescription; a token that expires unredeemed is terminal.
func (i *Issuer) Issue(ctx context.Context, purchaseID int64) (*IssuedToken, error) {
	var issued *IssuedToken
	err := i.store.WithinTx(ctx, func(tx Tx) error {
		purchase, err := tx.PurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}

		now := i.now().UTC()
		if purchase.State == PurchaseTokenIssued && purchase.TokenExpiresAt.After(now) {
			return Errf(KindInvalidState, "purchase %d already has a token valid until %s",
				purchaseID, purchase.TokenExpiresAt.Format(time.RFC3339))
		}

		items, err := tx.PurchaseItems(ctx, purchaseID)
		if err != nil {
			return err
		}
		if len(items) == 0 && i.policy.LegacyHistoryFallback {
			items, err = tx.LegacyPurchaseItems(ctx, purchase.PatientID, purchase.PrescriptionID)
			if err != nil {
				return err
			}
		}

		token, err := EncodeToken(items)
		if err != nil {
			return err
		}

		expiresAt := now.Add(TokenTTL)
		if err := tx.SetPurchaseToken(ctx, purchaseID, token, expiresAt); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, tokenIssuedEvent(purchase, expiresAt)); err != nil {
			return err
		}

		issued = &IssuedToken{PurchaseID: purchaseID, Token: token, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, WrapTx(err)
	}

	i.logger.Info("redemption token issued",
		zap.Int64("purchase_id", purchaseID),
		zap.Time("expires_at", issued.ExpiresAt))

	return issued, nil
}

// Validate checks a presented token against the purchase's persisted state:
// the purchase must be in tokenIssued, the window still open, and the token
// bit-identical to the persisted one.
func (i *Issuer) Validate(ctx context.Context, purchaseID int64, token string) ([]TokenItem, error) {
	purchase, err := i.store.PurchaseByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.State != PurchaseTokenIssued {
		return nil, Errf(KindInvalidState, "purchase %d has no issued token", purchaseID)
	}
	if purchase.TokenExpired(i.now().UTC()) {
		return nil, Errf(KindInvalidState, "token for purchase %d expired at %s",
			purchaseID, purchase.TokenExpiresAt.Format(time.RFC3339))
	}
	if purchase.Token != token {
		return nil, Errf(KindValidation, "token does not match purchase %d", purchaseID)
	}
	return DecodeToken(token)
}

func tokenIssuedEvent(p *Purchase, expiresAt time.Time) *OutboxEvent {
	payload, _ := json.Marshal(struct {
		PurchaseID int64     `json:"purchase_id"`
		PatientID  int64     `json:"patient_id"`
		ExpiresAt  time.Time `json:"expires_at"`
	}{p.ID, p.PatientID, expiresAt})

	return &OutboxEvent{
		AggregateID:   strconv.FormatInt(p.ID, 10),
		AggregateType: "purchase",
		EventType:     EventTokenIssued,
		Topic:         TopicPurchaseEvents,
		Key:           strconv.FormatInt(p.ID, 10),
		Payload:       payload,
	}
}
