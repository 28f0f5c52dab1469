package sql

import (
	"database/sql"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/ptr"
)

func ToNullString[S ~string](p *S) sql.NullString {
	if p == nil {
		return sql.NullString{
			Valid: false,
		}
	}
	return sql.NullString{
		String: string(ptr.Deref(p, "")),
		Valid:  true,
	}
}

func ToNullInt64[I ~int64 | ~int32](p *I) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// ToNullTime stores time as unix nanoseconds
func ToNullTime(p *time.Time) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: p.UnixNano(), Valid: true}
}

func FromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return ptr.To(s.String)
}

func FromNullInt64(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	return ptr.To(i.Int64)
}

func FromNullInt32(i sql.NullInt64) *int32 {
	if !i.Valid {
		return nil
	}
	return ptr.To(int32(i.Int64))
}

func FromNullTime(i sql.NullInt64) *time.Time {
	if !i.Valid {
		return nil
	}
	return ptr.To(time.Unix(0, i.Int64))
}
