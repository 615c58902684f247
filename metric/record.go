// Package metric defines the vital-sign sample that flows through the pipeline
// and its flat string-map wire form.
package metric

import (
	"time"
)

// Field names of the serialized record.
const (
	FieldUserID    = "user_id"
	FieldTimestamp = "timestamp"
	FieldHeartRate = "heart_rate"
	FieldSteps     = "steps"
	FieldCalories  = "calories"
)

// TimestampLayout is the wire layout for FieldTimestamp.
const TimestampLayout = time.RFC3339Nano

// Record is a single per-user vital-sign sample.
type Record struct {
	UserID    int64
	Timestamp time.Time
	HeartRate int64
	Steps     int64
	Calories  float64
}

// New builds a record stamped with the given instant, normalised to UTC.
func New(userID, heartRate, steps int64, calories float64, at time.Time) Record {
	return Record{
		UserID:    userID,
		Timestamp: at.UTC(),
		HeartRate: heartRate,
		Steps:     steps,
		Calories:  calories,
	}
}
