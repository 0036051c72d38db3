package utils

import (
	"time"
)

// time.go - утилиты времени
//
// Все границы суток считаются в UTC: дневной P&L и лимиты
// сбрасываются ровно в полночь UTC.

// ============================================================
// Границы суток (UTC)
// ============================================================

// DayStartUTC возвращает начало суток UTC, которым принадлежит t
func DayStartUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NextMidnightUTC возвращает ближайшую полночь UTC строго после t
func NextMidnightUTC(t time.Time) time.Time {
	return DayStartUTC(t).AddDate(0, 0, 1)
}

// SameDayUTC проверяет, что два момента лежат в одних сутках UTC
func SameDayUTC(a, b time.Time) bool {
	return DayStartUTC(a).Equal(DayStartUTC(b))
}

// ============================================================
// Форматирование
// ============================================================

// FormatDuration форматирует продолжительность без дробных частей
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d >= time.Hour {
		return d.Truncate(time.Minute).String()
	}
	return d.Truncate(time.Second).String()
}

// ============================================================
// Timestamp
// ============================================================

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// UnixMillis возвращает время в миллисекундах Unix
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
