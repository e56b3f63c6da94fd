package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/config"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/repository"
)

// CreditService owns the ledger-facing user flows: balance reads, check-in
// rewards and referral linking. Every mutation goes through a repository
// method that commits the ledger row and the balance cache together.
type CreditService struct {
	cfg       config.Config
	log       *slog.Logger
	users     UserDirectory
	ledger    LedgerStore
	checkIns  CheckInStore
	referrals ReferralStore
}

func NewCreditService(cfg config.Config, log *slog.Logger, users UserDirectory, ledger LedgerStore, checkIns CheckInStore, referrals ReferralStore) *CreditService {
	return &CreditService{
		cfg:       cfg,
		log:       log,
		users:     users,
		ledger:    ledger,
		checkIns:  checkIns,
		referrals: referrals,
	}
}

func (s *CreditService) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.users.Balance(ctx, userID)
}

func (s *CreditService) History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	return s.ledger.ListByUser(ctx, userID, limit)
}

// CheckIn awards the daily check-in for the UTC calendar day of now. The
// streak continues only when the previous check-in was exactly yesterday;
// the reward escalates through the configured day table and holds at its
// last entry. One award per day is enforced by the check-in store's unique
// day guard, so concurrent calls cannot double-award.
func (s *CreditService) CheckIn(ctx context.Context, userID int64, now time.Time) (*models.CheckIn, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}

	today := utcDate(now)
	streak := 1
	if user.LastCheckInDate != nil {
		last := utcDate(*user.LastCheckInDate)
		if last.Equal(today) {
			return nil, apperr.New(apperr.CodeAlreadyCheckedIn, "already checked in today")
		}
		if last.Equal(today.AddDate(0, 0, -1)) {
			streak = user.CheckInStreak + 1
		}
	}

	checkIn := &models.CheckIn{
		UserID:      userID,
		CheckInDate: today,
		StreakDay:   streak,
		Credits:     s.checkInReward(streak),
	}
	if err := s.checkIns.Record(ctx, checkIn); err != nil {
		if errors.Is(err, repository.ErrDuplicateCheckIn) {
			return nil, apperr.New(apperr.CodeAlreadyCheckedIn, "already checked in today")
		}
		return nil, err
	}

	s.log.Info("check-in recorded", "user_id", userID, "streak_day", streak, "credits", checkIn.Credits)
	return checkIn, nil
}

// checkInReward reads the day→credits table; days past the table's end keep
// the final (day-7) value.
func (s *CreditService) checkInReward(streakDay int) int64 {
	rewards := s.cfg.CheckInRewards
	if streakDay < 1 {
		streakDay = 1
	}
	if streakDay > len(rewards) {
		streakDay = len(rewards)
	}
	return rewards[streakDay-1]
}

// RedeemReferralCode links the calling user (the referee) to the owner of
// code and credits the referrer's signup reward. Each referee can be linked
// at most once, ever, and never to themselves.
func (s *CreditService) RedeemReferralCode(ctx context.Context, refereeID int64, code string) (*models.Referral, error) {
	if code == "" {
		return nil, apperr.Validation("referral code is required")
	}

	referrer, err := s.users.FindByReferralCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("look up referral code: %w", err)
	}
	if referrer == nil {
		return nil, apperr.Validation("invalid referral code")
	}
	if referrer.ID == refereeID {
		return nil, apperr.Validation("cannot redeem your own referral code")
	}

	referral := &models.Referral{
		ReferrerID:     referrer.ID,
		RefereeID:      refereeID,
		Status:         models.ReferralPending,
		ReferrerReward: s.cfg.ReferralSignupReward,
	}
	if err := s.referrals.CreateWithSignupReward(ctx, referral); err != nil {
		if errors.Is(err, repository.ErrAlreadyReferred) {
			return nil, apperr.New(apperr.CodeConflict, "referral already redeemed")
		}
		return nil, err
	}

	s.log.Info("referral linked", "referrer_id", referrer.ID, "referee_id", refereeID)
	return referral, nil
}

// GrantBonus appends a bonus transaction outside the purchase/usage flows
// (support gestures, promotions).
func (s *CreditService) GrantBonus(ctx context.Context, userID, amount int64, description string) error {
	if amount <= 0 {
		return apperr.Validation("bonus amount must be positive")
	}
	return s.ledger.Award(ctx, &models.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionBonus,
		Description: description,
	})
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
