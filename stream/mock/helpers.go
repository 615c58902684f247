package mockstream

import (
	"time"

	"github.com/hugolhafner/healthstream/metric"
)

// MetricFields builds the wire fields of a metric record timestamped now.
func MetricFields(userID, heartRate, steps int64, calories float64) map[string]string {
	return metric.Encode(metric.New(userID, heartRate, steps, calories, time.Now()))
}

// MalformedFields returns fields that fail to decode because heart_rate is not numeric.
func MalformedFields(userID int64) map[string]string {
	f := MetricFields(userID, 0, 0, 0)
	f[metric.FieldHeartRate] = "not-a-number"
	return f
}
