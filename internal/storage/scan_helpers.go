package storage

import (
	"database/sql"
	"time"

	"github.com/skalibog/btcsignals/pkg/models"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(models.TimeLayout)
}

// minuteString метка минуты для btc_price (секунды обнулены)
func minuteString(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(models.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if len(s) > len(models.TimeLayout) {
		s = s[:len(models.TimeLayout)]
	}
	t, err := time.ParseInLocation(models.TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfZero(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
