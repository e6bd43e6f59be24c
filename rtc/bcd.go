package rtc

import "time"

// ToBCD encodes v, which must be in 0..99, as two BCD digits.
func ToBCD(v int) byte {
	return byte(v/10*16 + v%10)
}

// FromBCD decodes two BCD digits.
func FromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

// TOD holds the time-of-day registers, BCD encoded.
type TOD struct {
	Sec     byte
	Min     byte
	Hour    byte
	DOW     byte
	DOM     byte
	Month   byte
	Year    byte
	Century byte
}

// EncodeTime returns the registers showing t in UTC, in 24-hour mode.
// Day of week counts from 1 for Sunday.
func EncodeTime(t time.Time) TOD {
	t = t.UTC()

	return TOD{
		Sec:     ToBCD(t.Second()),
		Min:     ToBCD(t.Minute()),
		Hour:    ToBCD(t.Hour()),
		DOW:     ToBCD(int(t.Weekday()) + 1),
		DOM:     ToBCD(t.Day()),
		Month:   ToBCD(int(t.Month())),
		Year:    ToBCD(t.Year() % 100),
		Century: ToBCD(t.Year() / 100),
	}
}

// Time decodes the registers. Day of week is ignored.
func (d TOD) Time() time.Time {
	return time.Date(
		FromBCD(d.Century)*100+FromBCD(d.Year),
		time.Month(FromBCD(d.Month)),
		FromBCD(d.DOM),
		FromBCD(d.Hour),
		FromBCD(d.Min),
		FromBCD(d.Sec),
		0,
		time.UTC,
	)
}
