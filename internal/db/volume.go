package db

import (
	"context"
	"time"
)

// VolumeQuery selects the logs counted by LogVolume.
type VolumeQuery struct {
	UserID  string
	Since   time.Time
	Source  string
	Project string
	// HalfHour buckets by 30 minutes instead of by hour.
	HalfHour bool
}

// VolumePoint is the number of logs of one source in one bucket. Bucket
// is an RFC 3339 UTC timestamp.
type VolumePoint struct {
	Bucket string `json:"bucket"`
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

// LogVolume counts the user's logs per time bucket and source.
func (s *Store) LogVolume(ctx context.Context, q VolumeQuery) ([]VolumePoint, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	// Raw keeps the GROUP BY expression out of bind parameters.
	var bucketExpr, groupExpr string
	if q.HalfHour {
		groupExpr = `floor(extract(epoch from timestamp) / 1800)`
		bucketExpr = `to_char(to_timestamp(` + groupExpr + ` * 1800) AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS') || 'Z'`
	} else {
		groupExpr = `date_trunc('hour', timestamp AT TIME ZONE 'UTC')`
		bucketExpr = `to_char(` + groupExpr + `, 'YYYY-MM-DD"T"HH24:MI:SS') || 'Z'`
	}

	sql := `SELECT ` + bucketExpr + ` AS bucket, source, count(*) AS count FROM canonical_logs WHERE source_user_id = ? AND timestamp >= ?`
	args := []any{q.UserID, q.Since}
	if q.Source != "" {
		sql += ` AND source = ?`
		args = append(args, q.Source)
	}
	if q.Project != "" {
		sql += ` AND source_project = ?`
		args = append(args, q.Project)
	}
	sql += ` GROUP BY ` + groupExpr + `, source ORDER BY 1, 2`

	var out []VolumePoint
	if err := conn.Raw(sql, args...).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
