package funding

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/interfaces"
)

// FeeRateResolver computes the effective fee rate in sat/kvB.
type FeeRateResolver struct {
	fallback  int64
	estimator interfaces.IFeeEstimator
}

// NewFeeRateResolver creates a resolver. estimator may be nil, in which case
// the fallback rate is always used.
func NewFeeRateResolver(fallback int64, estimator interfaces.IFeeEstimator) *FeeRateResolver {
	return &FeeRateResolver{fallback: fallback, estimator: estimator}
}

// Resolve returns max(fallback, mempoolminfee, relayfee, smart estimate).
// Estimator errors fall back to the configured rate.
func (r *FeeRateResolver) Resolve(ctx context.Context) int64 {
	rate := r.fallback
	if r.estimator == nil {
		return rate
	}

	rates, err := r.estimator.FeeRates(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FeeRateResolver.Resolve",
			"fallback": r.fallback,
			"error":    err.Error(),
		}).Warn("Fee estimation failed, using fallback rate")
		return rate
	}

	for _, candidate := range []int64{rates.MempoolMinFee, rates.RelayFee, rates.SmartFee} {
		if candidate > rate {
			rate = candidate
		}
	}
	return rate
}

// TxFee returns the fee in satoshis for vbytes at rate sat/kvB, rounded up.
func TxFee(vbytes, rate int64) int64 {
	return (vbytes*rate + 999) / 1000
}

// SplitTxVBytes estimates the size of a transaction with the given input and
// output counts.
func SplitTxVBytes(inputs, outputs int) int64 {
	return int64(148*inputs + 34*outputs + 10)
}

// scaledFee applies the safety factor to fee, rounded up.
func scaledFee(fee int64, factor float64) int64 {
	return int64(math.Ceil(float64(fee) * factor))
}
