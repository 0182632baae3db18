package repositories

import (
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"messaging-service/internal/errs"
)

// nextCreatedAt returns a creation instant strictly after last so that
// timestamps inside one conversation never tie. Postgres keeps microseconds,
// so both stores work at that resolution.
func nextCreatedAt(now, last time.Time) time.Time {
	created := now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !created.After(last) {
		created = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return created
}

// pgError classifies lib/pq failures on top of errs.FromStore.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator intervention
		case "08", "53", "57":
			return errs.Wrap(errs.ErrUnavailable, "store unavailable", err)
		}
		if pqErr.Code == "23505" {
			return errs.Wrap(errs.ErrInvalidArgument, "already exists", err)
		}
	}
	return errs.FromStore(err)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
