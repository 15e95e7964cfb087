package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

const profileColumns = `id, email, tier, subscription_status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	created_at, updated_at`

// GetProfile retrieves a profile by identity ID.
func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`), id)
	return scanProfile(row)
}

// GetProfileByCustomerID retrieves a profile by Stripe customer ID.
func (s *Store) GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+profileColumns+` FROM profiles WHERE stripe_customer_id = ?`), customerID)
	return scanProfile(row)
}

// GetProfileBySubscriptionID retrieves a profile by Stripe subscription ID.
func (s *Store) GetProfileBySubscriptionID(ctx context.Context, subscriptionID string) (*Profile, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+profileColumns+` FROM profiles WHERE stripe_subscription_id = ?`), subscriptionID)
	return scanProfile(row)
}

// UpsertProfile inserts p or overwrites every mutable field of an existing row.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	if err := s.prepareProfile(p); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			tier = excluded.tier,
			subscription_status = excluded.subscription_status,
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			stripe_price_id = excluded.stripe_price_id,
			updated_at = excluded.updated_at`),
		profileArgs(p)...,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// CreateProfileIfAbsent inserts p unless a row with its ID already exists,
// and returns the stored row either way. An existing row is never modified.
func (s *Store) CreateProfileIfAbsent(ctx context.Context, p *Profile) (*Profile, error) {
	if err := s.prepareProfile(p); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		profileArgs(p)...,
	)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	stored, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// Deleted between the insert and the read.
		return nil, fmt.Errorf("create profile %s: %w", p.ID, gkerrors.ErrNotFound)
	}
	return stored, nil
}

func (s *Store) prepareProfile(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	if p.Tier == "" {
		p.Tier = entitlement.TierFree
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", p.Tier)
	}
	if p.Status == "" {
		p.Status = entitlement.StatusNone
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

func profileArgs(p *Profile) []any {
	return []any{
		p.ID, p.Email, string(p.Tier), string(p.Status),
		p.StripeCustomerID, p.StripeSubscriptionID, p.StripePriceID,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	}
}

// UpdateBilling applies the non-nil fields of u to the profile.
func (s *Store) UpdateBilling(ctx context.Context, id string, u BillingUpdate) error {
	if u.Empty() {
		return nil
	}
	if u.Tier != nil && !u.Tier.Valid() {
		return fmt.Errorf("update billing: invalid tier %q", *u.Tier)
	}

	var sets []string
	var args []any
	add := func(column string, v any) {
		sets = append(sets, column+" = ?")
		args = append(args, v)
	}
	if u.Tier != nil {
		add("tier", string(*u.Tier))
	}
	if u.Status != nil {
		add("subscription_status", string(*u.Status))
	}
	if u.CustomerID != nil {
		add("stripe_customer_id", *u.CustomerID)
	}
	if u.SubscriptionID != nil {
		add("stripe_subscription_id", *u.SubscriptionID)
	}
	if u.PriceID != nil {
		add("stripe_price_id", *u.PriceID)
	}
	add("updated_at", s.now().UTC().Unix())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update billing: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("profile %q: %w", id, gkerrors.ErrNotFound)
	}
	return nil
}

// DeleteProfile removes the profile and its scenarios in one transaction.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete profile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM scenarios WHERE owner_id = ?`), id); err != nil {
		return fmt.Errorf("delete profile scenarios: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM profiles WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete profile: commit: %w", err)
	}
	return nil
}

func scanProfile(s scanner) (*Profile, error) {
	var p Profile
	var tier, status string
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.ID, &p.Email, &tier, &status,
		&p.StripeCustomerID, &p.StripeSubscriptionID, &p.StripePriceID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	// A tier outside the closed set is stored garbage; treat it as free.
	p.Tier = entitlement.Tier(tier)
	if !p.Tier.Valid() {
		p.Tier = entitlement.TierFree
	}
	p.Status = entitlement.SubscriptionStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}
