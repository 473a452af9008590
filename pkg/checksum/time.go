package checksum

import "time"

// windowsEpochDiffSeconds is the number of seconds between the Windows
// FILETIME epoch (1601-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const windowsEpochDiffSeconds = 11644473600

// filetimeTicksPerSecond is the number of 100ns ticks in one second.
const filetimeTicksPerSecond = 10000000

// FiletimeToUnix converts an NTFS FILETIME (100ns ticks since 1601-01-01
// UTC) to a time.Time.
func FiletimeToUnix(ft uint64) time.Time {
	secs := int64(ft/filetimeTicksPerSecond) - windowsEpochDiffSeconds
	nsecs := int64(ft%filetimeTicksPerSecond) * 100
	return time.Unix(secs, nsecs).UTC()
}

// UnixToFiletime converts a time.Time into an NTFS FILETIME.
func UnixToFiletime(t time.Time) uint64 {
	secs := t.Unix() + windowsEpochDiffSeconds
	nsecs := int64(t.Nanosecond())
	return uint64(secs)*filetimeTicksPerSecond + uint64(nsecs/100)
}

// DOSDateTime encodes a time.Time into the packed FAT date/time fields:
// date = ((year-1980)<<9) | (month<<5) | day
// time = (hour<<11) | (minute<<5) | (second/2)
func DOSDateTime(t time.Time) (date uint16, tm uint16) {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	date = uint16((year-1980)<<9) | uint16(int(t.Month())<<5) | uint16(t.Day())
	tm = uint16(t.Hour()<<11) | uint16(t.Minute()<<5) | uint16(t.Second()/2)
	return
}

// DOSDateTimeToTime decodes the packed FAT date/time fields back into a
// time.Time (UTC, since FAT stores no timezone).
func DOSDateTimeToTime(date, tm uint16) time.Time {
	year := 1980 + int(date>>9)
	month := int((date >> 5) & 0xF)
	day := int(date & 0x1F)
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	hour := int(tm >> 11)
	minute := int((tm >> 5) & 0x3F)
	second := int(tm&0x1F) * 2
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
