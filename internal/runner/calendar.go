package runner

import "time"

// The exchange calendar is anchored to Moscow time. A fixed UTC+3 zone is
// used instead of a tzdata lookup: Russia has not observed DST since 2014,
// and the binary must not depend on the host zone database.
var mskZone = time.FixedZone("MSK", 3*60*60)

const (
	windowOpenHour   = 10
	windowCloseHour  = 18
	windowCloseMin   = 45
)

// tradingDay truncates an instant to its calendar date in Moscow time.
// Two instants map to the same trading day iff they share that date.
func tradingDay(t time.Time) time.Time {
	msk := t.In(mskZone)
	return time.Date(msk.Year(), msk.Month(), msk.Day(), 0, 0, 0, 0, mskZone)
}

// withinTradingWindow reports whether the instant falls inside the main
// MOEX session, 10:00 through 18:45 Moscow time. The closing minute is
// inclusive: any instant during 18:45 still trades, 18:46 does not.
func withinTradingWindow(t time.Time) bool {
	msk := t.In(mskZone)
	minutes := msk.Hour()*60 + msk.Minute()
	return minutes >= windowOpenHour*60 && minutes <= windowCloseHour*60+windowCloseMin
}

// isWeekend reports whether the instant falls on Saturday or Sunday in
// Moscow time.
func isWeekend(t time.Time) bool {
	wd := t.In(mskZone).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// sameTradingDay reports whether both instants share a Moscow calendar date.
func sameTradingDay(a, b time.Time) bool {
	return tradingDay(a).Equal(tradingDay(b))
}
