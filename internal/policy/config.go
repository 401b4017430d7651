package policy

import (
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/config"
)

// FromConfig builds the configured policy.
func FromConfig(cfg config.PolicyConfig) (Policy, error) {
	family, err := ParseFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	signal, err := clock.ParseKind(cfg.Signal)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Signal:            signal,
		AllowCoarseSignal: cfg.AllowCoarseSignal,
		HistoryLimit:      cfg.HistoryLimit,
	}

	var p Policy
	switch family {
	case FamilyTimeLock:
		p, err = NewTimeLock(opts)
	case FamilyAuction:
		p, err = NewAuction(AuctionConfig{
			Options:     opts,
			Reserve:     cfg.Reserve,
			Authority:   cfg.Authority,
			Beneficiary: cfg.Beneficiary,
		})
	case FamilyAccrual:
		p, err = NewAccrual(AccrualConfig{
			Options:    opts,
			Rate:       cfg.Rate,
			RateBps:    cfg.RateBps,
			RatePeriod: cfg.RatePeriod,
			MaxElapsed: cfg.MaxElapsed,
			Treasury:   cfg.Treasury,
		})
	case FamilyWindow:
		p, err = NewWindow(WindowConfig{Options: opts, Length: cfg.Window})
	default:
		return nil, fmt.Errorf("unsupported policy family %s", family)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s policy: %w", family, err)
	}
	return p, nil
}
