// Package pelt implements per-entity load tracking: geometrically decayed
// sums of the time an entity was runnable or running, with a half-life of
// 32 periods.
package pelt

// Time is tracked in units of 1024ns, derived from nanoseconds by a shift,
// so a period of PeriodUnits units is ~1.05ms.
const (
	PeriodUnits = 1024

	// Capacity is the scale of the runnable and util signals.
	Capacity = 1024

	// LoadAvgMax is the limit of the decayed sum of full periods. Dividing
	// by it maps an always-runnable entity's load onto its weight.
	LoadAvgMax = 47742

	halfLife = 32
)

// decayInv[n] = y^n * 2^32 with y^32 = 0.5.
var decayInv = [halfLife]uint32{
	4294967295, 4202502893, 4112015082, 4023467471, 3936824108,
	3852049516, 3769108719, 3687967116, 3608590510, 3530945084,
	3454997395, 3380714361, 3308063242, 3237011622, 3167527318,
	3099578339, 3033133035, 2968159990, 2904627911, 2842505706,
	2781762483, 2722367543, 2664290382, 2607500778, 2551968705,
	2497664319, 2444558034, 2392620520, 2341822704, 2292135767,
	2243531141, 2195980508,
}

// fullPeriods[n] is the decayed contribution of n back-to-back full periods.
var fullPeriods [halfLife + 1]uint64

func init() {
	for n := 1; n <= halfLife; n++ {
		fullPeriods[n] = fullPeriods[n-1] + Decay(PeriodUnits, uint64(n-1))
	}
}

// Decay returns val scaled by y^n. Values older than the table decay to zero.
func Decay(val, n uint64) uint64 {
	if n >= halfLife {
		return 0
	}
	return (val * uint64(decayInv[n])) >> 32
}

// Avg is the load record of one entity or run queue.
type Avg struct {
	LastUpdate  uint64 // 1024ns units
	LoadSum     uint64
	RunnableSum uint64
	UtilSum     uint64
	LoadAvg     uint64
	RunnableAvg uint64
	UtilAvg     uint64
}

// Update folds the time since the last update into avg. now is in
// nanoseconds. Nothing happens until at least one full period has elapsed;
// it reports whether avg changed.
func Update(now uint64, avg *Avg, running, runnable bool, weight uint64) bool {
	nowUnits := now >> 10
	if nowUnits < avg.LastUpdate {
		avg.LastUpdate = nowUnits
		return false
	}
	delta := nowUnits - avg.LastUpdate
	if delta < PeriodUnits {
		return false
	}
	avg.LastUpdate = nowUnits

	periods := delta / PeriodUnits
	avg.LoadSum = Decay(avg.LoadSum, periods)
	avg.RunnableSum = Decay(avg.RunnableSum, periods)
	avg.UtilSum = Decay(avg.UtilSum, periods)

	contrib := fullPeriods[min(periods, halfLife)] + delta%PeriodUnits
	if runnable {
		avg.LoadSum += contrib * weight
		avg.RunnableSum += contrib * Capacity
	}
	if running {
		avg.UtilSum += contrib * Capacity
	}

	avg.LoadAvg = avg.LoadSum / LoadAvgMax
	avg.RunnableAvg = avg.RunnableSum / LoadAvgMax
	avg.UtilAvg = avg.UtilSum / LoadAvgMax
	return true
}
