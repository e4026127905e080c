// Package validation provides sanity filters for oracle rates and upstream prices.
package validation

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/card-valuation-ea/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// EnableOutlierDetection flags historical sales far outside the proto's range
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   1.5,
	}
}

// ValidRate reports whether an oracle rate can be used for conversion
func ValidRate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// FilterRates drops oracle rates that are missing, zero, negative or not finite.
// A dropped rate behaves exactly like an absent one downstream.
func FilterRates(rates map[string]float64) map[string]float64 {
	valid := make(map[string]float64, len(rates))
	for coin, v := range rates {
		if ValidRate(v) {
			valid[coin] = v
			continue
		}
		logrus.WithFields(logrus.Fields{
			"coin": coin,
			"rate": v,
		}).Debug("Filtered invalid oracle rate")
	}
	return valid
}

// Price returns v when it is a usable USD price, nil otherwise. Zero counts
// as unpriced; there is no upper bound.
func Price(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return nil
	}
	return &v
}

// Outliers returns the indexes of sales whose price falls outside the IQR
// bounds of the set. Fewer than four sales are never flagged.
func Outliers(sales []model.HistoricalSale, opts ValidationOptions) []int {
	if !opts.EnableOutlierDetection || len(sales) <= 3 {
		return nil
	}

	prices := make([]float64, len(sales))
	for i, s := range sales {
		prices[i] = s.USDPrice
	}

	sort.Float64s(prices)
	q1 := prices[len(prices)/4]
	q3 := prices[len(prices)*3/4]
	iqr := q3 - q1

	lowerBound := q1 - opts.OutlierIQRMultiplier*iqr
	upperBound := q3 + opts.OutlierIQRMultiplier*iqr

	// Near-constant prices: fall back to a band around the mean
	if upperBound-lowerBound < 0.005 {
		mean := calculateMean(prices)
		lowerBound = mean * 0.5
		upperBound = mean * 2.0
	}

	var flagged []int
	for i, s := range sales {
		if s.USDPrice < lowerBound || s.USDPrice > upperBound {
			flagged = append(flagged, i)
		}
	}

	if len(flagged) > 0 {
		logrus.WithFields(logrus.Fields{
			"total":   len(sales),
			"flagged": len(flagged),
			"bounds":  []float64{lowerBound, upperBound},
		}).Debug("Historical outliers flagged")
	}
	return flagged
}

// calculateMean computes the arithmetic mean of a slice of float64
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
