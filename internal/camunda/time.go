package camunda

import (
	"fmt"
	"strings"
	"time"
)

// engineLayout — формат дат движка: 2013-01-23T14:42:45.000+0200
// (таймзона без двоеточия, поэтому RFC3339 не подходит напрямую).
const engineLayout = "2006-01-02T15:04:05.000-0700"

// engineTime — time.Time с JSON-форматом движка.
type engineTime time.Time

// UnmarshalJSON парсит дату движка; пустая строка и null дают нулевое время.
func (t *engineTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = engineTime(time.Time{})
		return nil
	}

	parsed, err := time.Parse(engineLayout, s)
	if err != nil {
		// Некоторые движки отдают RFC3339
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse engine time %q: %w", s, err)
		}
	}

	*t = engineTime(parsed)
	return nil
}

// MarshalJSON сериализует дату в формат движка.
func (t engineTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).Format(engineLayout) + `"`), nil
}
