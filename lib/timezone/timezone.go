package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		panic(err)
	}
}

// force timezone to be IST because the hosts we deploy on default to UTC,
// which shifts the quota day boundary and makes
// <time.Time>.Year()/Month()/Day() based bucketing wrong
func Now() time.Time {
	return time.Now().In(Location)
}

// DayKey is the calendar day a given instant falls in, e.g. "2024-07-19".
// it is the bucket key for daily refresh quotas.
func DayKey(t time.Time) string {
	return t.In(Location).Format("2006-01-02")
}

func StartOfDay(t time.Time) time.Time {
	t = t.In(Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Location)
}

func NextDayStart(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}
