package preset

import (
	"math"
	"math/rand"

	"bot_simulator/config"
	"bot_simulator/internal/models"
)

const (
	forecastTrades    = 100
	tightSpread       = 0.30
	wideMinFactor     = 2.0
	wideMaxFactor     = 4.0
	defaultTightShare = 0.7
	minNetWinPct      = 0.01 // wins netting less than this after friction count as losses
	minMagnitude      = 0.05
)

// Forecast runs a 100-trade Monte Carlo over the profile and summarizes the
// expected daily performance. All P&L figures are percent of capital. The
// same seed always yields the same preview.
func Forecast(profile config.BotProfile, seed int64) (models.RiskMetricsPreview, error) {
	if err := profile.Validate(); err != nil {
		return models.RiskMetricsPreview{}, err
	}
	rng := rand.New(rand.NewSource(seed))

	avgLev := profile.AvgLeverage()
	baseWin := profile.DailyTargetPct / float64(profile.TradesPerDay) / profile.WinRate / avgLev
	baseLoss := baseWin * profile.LossPnL.Mid() / profile.WinPnL.Mid()

	tightShare, tightMult, wideMult := defaultTightShare, 1.0, 1.0
	if v := profile.Variance; v != nil {
		tightShare = v.TightShare
		if v.TightMultiplier > 0 {
			tightMult = v.TightMultiplier
		}
		if v.WideMultiplier > 0 {
			wideMult = v.WideMultiplier
		}
	}
	var frictionPct float64
	if f := profile.Friction; f != nil {
		frictionPct = f.TotalPct() * avgLev
	}

	var wins, losses int
	var sumWin, sumLoss, sumNet float64
	for i := 0; i < forecastTrades; i++ {
		win := rng.Float64() < profile.WinRate

		spread := tightSpread * tightMult
		if rng.Float64() >= tightShare {
			spread = tightSpread * (wideMinFactor + rng.Float64()*(wideMaxFactor-wideMinFactor)) * wideMult
		}
		factor := math.Max(minMagnitude, 1+(rng.Float64()*2-1)*spread)

		var net float64
		if win {
			net = baseWin*factor*avgLev - frictionPct
			if net < minNetWinPct {
				win = false
			}
		} else {
			net = -baseLoss * factor * avgLev
		}

		sumNet += net
		if win {
			wins++
			sumWin += net
		} else {
			losses++
			sumLoss -= net
		}
	}

	preview := models.RiskMetricsPreview{
		EffectiveWinRate:  float64(wins) / forecastTrades,
		ExpectedNetPnLPct: sumNet / forecastTrades,
	}
	if wins > 0 {
		preview.AvgWinPct = sumWin / float64(wins)
	}
	if losses > 0 {
		preview.AvgLossPct = sumLoss / float64(losses)
	}
	if preview.AvgLossPct > 0 {
		preview.RiskReward = preview.AvgWinPct / preview.AvgLossPct
	}
	preview.ExpectedDailyPnLPct = preview.ExpectedNetPnLPct * float64(profile.TradesPerDay)
	preview.ExpectedDailyPnL = profile.Capital * preview.ExpectedDailyPnLPct / 100
	preview.TargetDeviation = math.Abs(preview.ExpectedDailyPnLPct-profile.DailyTargetPct) / profile.DailyTargetPct
	preview.Probability = classify(preview)

	return preview, nil
}

func classify(p models.RiskMetricsPreview) models.ProbabilityLabel {
	switch {
	case p.ExpectedDailyPnLPct <= 0:
		return models.ProbabilityNegative
	case p.EffectiveWinRate >= 0.5 && p.RiskReward >= 1.0 && p.TargetDeviation <= 0.4:
		return models.ProbabilityHigh
	case p.EffectiveWinRate >= 0.4 && p.RiskReward >= 0.7 && p.TargetDeviation <= 0.6:
		return models.ProbabilityMedium
	default:
		return models.ProbabilityLow
	}
}
