package app

import (
	"fmt"
	"time"

	"scripthub/internal/util"
	"scripthub/pkg/domain"
)

type tierTerms struct {
	period time.Duration
	cost   int64
}

var tierTable = map[domain.SubscriptionTier]tierTerms{
	domain.TierMonthly:   {period: 30 * 24 * time.Hour, cost: 500},
	domain.TierQuarterly: {period: 90 * 24 * time.Hour, cost: 1350},
	domain.TierYearly:    {period: 365 * 24 * time.Hour, cost: 4800},
}

// Balance returns the user's ledger account, creating it on first sight.
func (a *App) Balance(userID string) (domain.Account, error) {
	now := time.Now().UTC()
	if err := a.store.EnsureAccount(userID, now); err != nil {
		return domain.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	account, found, err := a.store.GetAccount(userID)
	if err != nil {
		return domain.Account{}, err
	}
	if !found {
		return domain.Account{}, ErrNotFound
	}
	return account, nil
}

// Credit adds coins to the user's balance.
func (a *App) Credit(userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	if err := a.store.EnsureAccount(userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return a.store.CreditCoins(userID, amount)
}

// Debit removes coins. The balance never goes negative; a short balance
// returns ErrInsufficientFunds and mutates nothing.
func (a *App) Debit(userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	ok, err := a.store.DebitCoins(userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}

// PurchaseTier debits the tier cost and records the subscription period in
// one transaction.
func (a *App) PurchaseTier(userID string, tier domain.SubscriptionTier) (domain.Subscription, error) {
	terms, ok := tierTable[tier]
	if !ok {
		return domain.Subscription{}, ErrInvalidTier
	}
	now := time.Now().UTC()
	if err := a.store.EnsureAccount(userID, now); err != nil {
		return domain.Subscription{}, fmt.Errorf("ensure account: %w", err)
	}
	sub := domain.Subscription{
		ID:        util.NewID(),
		UserID:    userID,
		Tier:      tier,
		ExpiresAt: now.Add(terms.period),
		CreatedAt: now,
	}
	ok, err := a.store.PurchaseSubscription(sub, terms.cost)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("purchase subscription: %w", err)
	}
	if !ok {
		return domain.Subscription{}, ErrInsufficientFunds
	}
	return sub, nil
}

// ActiveTier reports the user's current tier. Lapsed or absent subscriptions
// read as the free tier.
func (a *App) ActiveTier(userID string) (domain.SubscriptionTier, *time.Time, error) {
	sub, found, err := a.store.LatestSubscription(userID)
	if err != nil {
		return domain.TierFree, nil, err
	}
	if !found || !sub.Active(time.Now().UTC()) {
		return domain.TierFree, nil, nil
	}
	expires := sub.ExpiresAt
	return sub.Tier, &expires, nil
}

// PurchaseScript moves the script price from buyer to owner. Free scripts
// and self-purchases cost nothing.
func (a *App) PurchaseScript(buyerID, scriptID string) error {
	script, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if script.Price == 0 || script.OwnerID == buyerID {
		return nil
	}
	now := time.Now().UTC()
	if err := a.store.EnsureAccount(buyerID, now); err != nil {
		return fmt.Errorf("ensure buyer account: %w", err)
	}
	if err := a.store.EnsureAccount(script.OwnerID, now); err != nil {
		return fmt.Errorf("ensure owner account: %w", err)
	}
	ok, err := a.store.TransferCoins(buyerID, script.OwnerID, script.Price)
	if err != nil {
		return fmt.Errorf("transfer coins: %w", err)
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}
